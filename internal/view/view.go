// Package view filters, sorts and paginates the lead list for display.
package view

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"leadline/internal/domain"
)

var ErrPageOutOfRange = errors.New("page out of range")

// StatusAll disables the status filter.
const StatusAll = "all"

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type PagePolicy int

const (
	// PageStrict rejects pages outside [1, TotalPages].
	PageStrict PagePolicy = iota
	// PageClamp moves out-of-range pages to the nearest valid one.
	PageClamp
)

const DefaultPageSize = 10

// sortableTime is fixed width so timestamps compare as strings.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

type Query struct {
	Status   string
	SortBy   string
	Dir      Direction
	Page     int
	PageSize int
	Policy   PagePolicy
}

type Page struct {
	Items      []domain.Lead `json:"items"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
	Total      int           `json:"total"`
}

// SortFields lists the accepted SortBy values.
var SortFields = []string{"nombreConjunto", "nombreAdministrador", "email", "direccion", "telefono",
	"sitioWeb", "ciudad", "fuente", "fechaCreacion", "status"}

func field(l domain.Lead, name string) string {
	switch name {
	case "nombreConjunto":
		return l.NombreConjunto
	case "nombreAdministrador":
		return l.NombreAdministrador
	case "email":
		return l.Email
	case "direccion":
		return l.Direccion
	case "telefono":
		return l.Telefono
	case "sitioWeb":
		return l.SitioWeb
	case "ciudad":
		return l.Ciudad
	case "fuente":
		return l.Fuente
	case "fechaCreacion":
		if l.FechaCreacion.IsZero() {
			return ""
		}
		return l.FechaCreacion.UTC().Format(sortableTime)
	case "status":
		return string(l.Status.Normalize())
	}
	return ""
}

// Apply returns the visible slice of leads. The input is not modified.
func Apply(leads []domain.Lead, q Query) (Page, error) {
	status := strings.ToLower(strings.TrimSpace(q.Status))
	filtered := make([]domain.Lead, 0, len(leads))
	if status == "" || status == StatusAll {
		filtered = append(filtered, leads...)
	} else {
		want, err := domain.ParseStatus(status)
		if err != nil {
			return Page{}, err
		}
		for _, l := range leads {
			if l.Status.Normalize() == want {
				filtered = append(filtered, l)
			}
		}
	}

	if q.SortBy != "" {
		if !slices.Contains(SortFields, q.SortBy) {
			return Page{}, fmt.Errorf("unknown sort field %q", q.SortBy)
		}
		desc := q.Dir == Desc
		slices.SortStableFunc(filtered, func(a, b domain.Lead) int {
			c := strings.Compare(strings.ToLower(field(a, q.SortBy)), strings.ToLower(field(b, q.SortBy)))
			if desc {
				return -c
			}
			return c
		})
	}

	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	totalPages := max(1, (len(filtered)+size-1)/size)
	page := q.Page
	if page < 1 || page > totalPages {
		if q.Policy != PageClamp {
			return Page{}, fmt.Errorf("%w: %d not in 1..%d", ErrPageOutOfRange, page, totalPages)
		}
		page = min(max(page, 1), totalPages)
	}
	start := min((page-1)*size, len(filtered))
	end := min(start+size, len(filtered))
	return Page{
		Items:      filtered[start:end],
		Page:       page,
		PageSize:   size,
		TotalPages: totalPages,
		Total:      len(filtered),
	}, nil
}
