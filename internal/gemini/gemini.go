// Package gemini issues the two model calls the workspace depends on: the
// structured lead lookup and the free-text template rewrite.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"google.golang.org/genai"

	"leadline/internal/config"
	"leadline/internal/domain"
)

var (
	ErrMalformedResponse = errors.New("malformed lookup response")
	ErrEmptyResponse     = errors.New("empty model response")
)

// Generator is the subset of *genai.Models the client uses.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	Models             Generator
	Model              string
	GoogleSearch       bool
	ImproveInstruction string

	prompt *template.Template
}

// NewClient connects to the Gemini API with apiKey.
func NewClient(ctx context.Context, apiKey string, cfg *config.Config) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("GEMINI_API_KEY is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return New(gc.Models, cfg)
}

// New builds a client around any Generator.
func New(models Generator, cfg *config.Config) (*Client, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(cfg.Search.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse search prompt: %w", err)
	}
	return &Client{
		Models:             models,
		Model:              cfg.Search.Model,
		GoogleSearch:       cfg.Search.GoogleSearch,
		ImproveInstruction: cfg.Search.ImproveInstruction,
		prompt:             tmpl,
	}, nil
}

// Prompt renders the lookup instruction for city and count.
func (c *Client) Prompt(city string, count int) (string, error) {
	var buf bytes.Buffer
	if err := c.prompt.Execute(&buf, struct {
		City  string
		Count int
	}{city, count}); err != nil {
		return "", fmt.Errorf("render search prompt: %w", err)
	}
	return buf.String(), nil
}

// CandidateSchema is the response contract of the lookup call.
func CandidateSchema() *genai.Schema {
	str := func() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"nombreConjunto":      str(),
				"nombreAdministrador": str(),
				"email":               str(),
				"direccion":           str(),
				"telefono":            str(),
				"sitioWeb":            str(),
				"ciudad":              str(),
				"fuente":              str(),
			},
			Required: []string{"nombreConjunto", "email", "direccion", "telefono"},
		},
	}
}

// FindLeads asks the model for count conjuntos in city.
func (c *Client) FindLeads(ctx context.Context, city string, count int) ([]domain.Candidate, error) {
	prompt, err := c.Prompt(city, count)
	if err != nil {
		return nil, err
	}
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   CandidateSchema(),
	}
	if c.GoogleSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	resp, err := c.Models.GenerateContent(ctx, c.Model, genai.Text(prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	return ParseCandidates([]byte(resp.Text()))
}

type rawCandidate struct {
	NombreConjunto      *string `json:"nombreConjunto"`
	NombreAdministrador *string `json:"nombreAdministrador"`
	Email               *string `json:"email"`
	Direccion           *string `json:"direccion"`
	Telefono            *string `json:"telefono"`
	SitioWeb            *string `json:"sitioWeb"`
	Ciudad              *string `json:"ciudad"`
	Fuente              *string `json:"fuente"`
}

// ParseCandidates decodes a JSON array of candidates. One record lacking a
// required field rejects the whole batch. Empty input is an empty batch.
func ParseCandidates(raw []byte) ([]domain.Candidate, error) {
	raw = bytes.TrimSpace(stripFence(raw))
	if len(raw) == 0 {
		return []domain.Candidate{}, nil
	}
	var records []*rawCandidate
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make([]domain.Candidate, 0, len(records))
	for i, r := range records {
		if r == nil {
			return nil, fmt.Errorf("%w: record %d is null", ErrMalformedResponse, i)
		}
		for _, req := range []struct {
			name string
			v    *string
		}{{"nombreConjunto", r.NombreConjunto}, {"email", r.Email}, {"direccion", r.Direccion}, {"telefono", r.Telefono}} {
			if req.v == nil || strings.TrimSpace(*req.v) == "" {
				return nil, fmt.Errorf("%w: record %d missing %s", ErrMalformedResponse, i, req.name)
			}
		}
		out = append(out, domain.Candidate{
			NombreConjunto:      strings.TrimSpace(*r.NombreConjunto),
			NombreAdministrador: deref(r.NombreAdministrador),
			Email:               strings.TrimSpace(*r.Email),
			Direccion:           strings.TrimSpace(*r.Direccion),
			Telefono:            strings.TrimSpace(*r.Telefono),
			SitioWeb:            deref(r.SitioWeb),
			Ciudad:              deref(r.Ciudad),
			Fuente:              deref(r.Fuente),
		})
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return []byte(s)
}

// ImproveTemplate asks the model to rewrite tmpl. Keeping citations and
// signatures intact is requested in the instruction, not checked.
func (c *Client) ImproveTemplate(ctx context.Context, tmpl string) (string, error) {
	prompt := c.ImproveInstruction + "\n\n" + tmpl
	resp, err := c.Models.GenerateContent(ctx, c.Model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
