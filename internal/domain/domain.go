package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the outreach workflow state of a lead.
type Status string

const (
	StatusPendiente Status = "pendiente"
	StatusProcesado Status = "procesado"
	StatusEnviado   Status = "enviado"
)

// Statuses lists the workflow states in progression order.
var Statuses = []Status{StatusPendiente, StatusProcesado, StatusEnviado}

// ParseStatus accepts a known status; the empty string maps to pendiente.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusPendiente:
		return StatusPendiente, nil
	case StatusProcesado:
		return StatusProcesado, nil
	case StatusEnviado:
		return StatusEnviado, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Normalize treats an absent status as pendiente.
func (s Status) Normalize() Status {
	if s == "" {
		return StatusPendiente
	}
	return s
}

func (s Status) rank() int {
	switch s.Normalize() {
	case StatusPendiente:
		return 0
	case StatusProcesado:
		return 1
	case StatusEnviado:
		return 2
	}
	return -1
}

var ErrInvalidTransition = errors.New("invalid lead status transition")

// EnsureTransition enforces pendiente -> procesado -> enviado.
// Staying in place is allowed; force permits manual corrections in any direction.
func EnsureTransition(from, to Status, force bool) error {
	from, to = from.Normalize(), to.Normalize()
	if from.rank() < 0 || to.rank() < 0 {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to || force {
		return nil
	}
	switch from {
	case StatusPendiente:
		if to == StatusProcesado {
			return nil
		}
	case StatusProcesado:
		if to == StatusEnviado {
			return nil
		}
	}
	return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
}

type Lead struct {
	ID                  string    `json:"id"`
	NombreConjunto      string    `json:"nombreConjunto"`
	NombreAdministrador string    `json:"nombreAdministrador"`
	Email               string    `json:"email"`
	Direccion           string    `json:"direccion"`
	Telefono            string    `json:"telefono"`
	SitioWeb            string    `json:"sitioWeb"`
	Ciudad              string    `json:"ciudad"`
	Fuente              string    `json:"fuente"`
	FechaCreacion       time.Time `json:"fechaCreacion" format:"date-time"`
	Status              Status    `json:"status,omitempty" enum:"pendiente,procesado,enviado"`
}

// MissingFields returns the required fields that are blank.
func (l Lead) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(l.NombreConjunto) == "" {
		missing = append(missing, "nombreConjunto")
	}
	if strings.TrimSpace(l.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(l.Direccion) == "" {
		missing = append(missing, "direccion")
	}
	if strings.TrimSpace(l.Telefono) == "" {
		missing = append(missing, "telefono")
	}
	return missing
}

// IsComplete reports whether the lead can receive a proposal or be exported strictly.
func (l Lead) IsComplete() bool {
	return len(l.MissingFields()) == 0
}

// IdentityKey is the cross-session dedup key for a conjunto in a city.
func IdentityKey(nombreConjunto, ciudad string) string {
	return strings.ToLower(strings.TrimSpace(nombreConjunto)) + "_" + strings.ToLower(strings.TrimSpace(ciudad))
}

// IdentityKey of the lead itself.
func (l Lead) IdentityKey() string {
	return IdentityKey(l.NombreConjunto, l.Ciudad)
}

// Candidate is a raw record returned by the lead lookup call.
type Candidate struct {
	NombreConjunto      string `json:"nombreConjunto"`
	NombreAdministrador string `json:"nombreAdministrador,omitempty"`
	Email               string `json:"email"`
	Direccion           string `json:"direccion"`
	Telefono            string `json:"telefono"`
	SitioWeb            string `json:"sitioWeb,omitempty"`
	Ciudad              string `json:"ciudad,omitempty"`
	Fuente              string `json:"fuente,omitempty"`
}

type RecipientStatus string

const (
	RecipientSuccess RecipientStatus = "success"
	RecipientError   RecipientStatus = "error"
)

type RecipientLog struct {
	LeadName string          `json:"leadName"`
	Email    string          `json:"email"`
	Status   RecipientStatus `json:"status" enum:"success,error"`
}

type CampaignLog struct {
	ID         string         `json:"id"`
	Date       time.Time      `json:"date" format:"date-time"`
	Subject    string         `json:"subject"`
	Recipients []RecipientLog `json:"recipients"`
}

// Succeeded counts recipients delivered without error.
func (c CampaignLog) Succeeded() int {
	n := 0
	for _, r := range c.Recipients {
		if r.Status == RecipientSuccess {
			n++
		}
	}
	return n
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
