package server

import (
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/proposal"
)

// Request payloads

type SearchRequest struct {
	City  string `json:"city,omitempty" example:"Bogotá"`
	Count int    `json:"count" example:"10"`
}

type UpdateLeadRequest struct {
	NombreConjunto      *string `json:"nombreConjunto,omitempty"`
	NombreAdministrador *string `json:"nombreAdministrador,omitempty"`
	Email               *string `json:"email,omitempty"`
	Direccion           *string `json:"direccion,omitempty"`
	Telefono            *string `json:"telefono,omitempty"`
	SitioWeb            *string `json:"sitioWeb,omitempty"`
	Ciudad              *string `json:"ciudad,omitempty"`
	Fuente              *string `json:"fuente,omitempty"`
	Status              *string `json:"status,omitempty" enum:"pendiente,procesado,enviado"`
}

func (r UpdateLeadRequest) patch() engine.LeadPatch {
	p := engine.LeadPatch{
		NombreConjunto:      r.NombreConjunto,
		NombreAdministrador: r.NombreAdministrador,
		Email:               r.Email,
		Direccion:           r.Direccion,
		Telefono:            r.Telefono,
		SitioWeb:            r.SitioWeb,
		Ciudad:              r.Ciudad,
		Fuente:              r.Fuente,
	}
	if r.Status != nil {
		s := domain.Status(*r.Status)
		p.Status = &s
	}
	return p
}

type TemplateRequest struct {
	Template string `json:"template"`
}

type RunCampaignRequest struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// Responses

type LeadPageResponse struct {
	Items      []domain.Lead `json:"items"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
	Total      int           `json:"total"`
}

type SearchResponse struct {
	Leads      []domain.Lead      `json:"leads"`
	Raw        int                `json:"raw"`
	Duplicates []domain.Candidate `json:"duplicates"`
	AllKnown   bool               `json:"allKnown"`
	Message    string             `json:"message,omitempty"`
}

const allKnownMessage = "Todos los resultados ya se encontraban registrados."

func searchResponse(res engine.SearchResult) SearchResponse {
	out := SearchResponse{
		Leads:      res.Leads,
		Raw:        res.Raw,
		Duplicates: res.Duplicates,
		AllKnown:   res.AllKnown,
	}
	if res.AllKnown {
		out.Message = allKnownMessage
	}
	return out
}

type ProposalResponse struct {
	Lead     domain.Lead `json:"lead"`
	Text     string      `json:"text"`
	Subject  string      `json:"subject"`
	Mailto   string      `json:"mailto"`
	Filename string      `json:"filename"`
}

func proposalResponse(p engine.Proposal) ProposalResponse {
	return ProposalResponse(p)
}

type TemplateResponse struct {
	Template string         `json:"template"`
	Tags     []proposal.Tag `json:"tags"`
}

type CampaignLogResponse struct {
	domain.CampaignLog
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

func campaignLogResponse(l domain.CampaignLog) CampaignLogResponse {
	if l.Recipients == nil {
		l.Recipients = []domain.RecipientLog{}
	}
	return CampaignLogResponse{CampaignLog: l, Total: len(l.Recipients), Succeeded: l.Succeeded()}
}

func campaignLogResponses(logs []domain.CampaignLog) []CampaignLogResponse {
	out := make([]CampaignLogResponse, 0, len(logs))
	for _, l := range logs {
		out = append(out, campaignLogResponse(l))
	}
	return out
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}
