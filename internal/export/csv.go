// Package export writes mail-merge CSV files and per-lead DOCX proposals.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
)

var ErrNoLeads = errors.New("no leads to export")

// Header is the mail-merge column order.
var Header = []string{"CONJUNTO", "ADMINISTRADOR", "EMAIL", "DIRECCION", "TELEFONO", "CIUDAD"}

const (
	bom               = "\ufeff"
	defaultAdminLabel = "Señor Administrador"
	defaultFilePrefix = "base_datos_marketing_S&A"
)

type CSVOptions struct {
	City      string
	Date      time.Time
	Prefix    string
	ChunkSize int
	// Strict refuses to export when any lead is incomplete.
	Strict bool
}

// Issue names a lead that lacks required fields.
type Issue struct {
	ID             string   `json:"id"`
	NombreConjunto string   `json:"nombreConjunto"`
	Missing        []string `json:"missing"`
}

// IncompleteError blocks a strict export and itemizes the offending leads.
type IncompleteError struct {
	Issues []Issue
}

func (e *IncompleteError) Error() string {
	names := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		name := is.NombreConjunto
		if strings.TrimSpace(name) == "" {
			name = is.ID
		}
		names = append(names, fmt.Sprintf("%s (%s)", name, strings.Join(is.Missing, ", ")))
	}
	return fmt.Sprintf("%d incomplete leads: %s", len(e.Issues), strings.Join(names, "; "))
}

type File struct {
	Name  string `json:"name"`
	Part  int    `json:"part"`
	Parts int    `json:"parts"`
	Rows  int    `json:"rows"`
	Data  []byte `json:"-"`
}

type CSVResult struct {
	Files []File
	// Warnings lists incomplete leads exported anyway in lenient mode.
	Warnings []Issue
}

// Audit reports every incomplete lead.
func Audit(leads []domain.Lead) []Issue {
	var issues []Issue
	for _, l := range leads {
		if missing := l.MissingFields(); len(missing) > 0 {
			issues = append(issues, Issue{ID: l.ID, NombreConjunto: l.NombreConjunto, Missing: missing})
		}
	}
	return issues
}

// CSV serializes leads in order, one file per chunk when ChunkSize > 0.
func CSV(leads []domain.Lead, opts CSVOptions) (CSVResult, error) {
	if len(leads) == 0 {
		return CSVResult{}, ErrNoLeads
	}
	if opts.ChunkSize < 0 {
		return CSVResult{}, fmt.Errorf("chunk size must be >= 0, got %d", opts.ChunkSize)
	}
	issues := Audit(leads)
	if opts.Strict && len(issues) > 0 {
		return CSVResult{}, &IncompleteError{Issues: issues}
	}
	res := CSVResult{Warnings: issues}

	size := opts.ChunkSize
	if size == 0 || size > len(leads) {
		size = len(leads)
	}
	parts := (len(leads) + size - 1) / size
	for i := 0; i < parts; i++ {
		end := min((i+1)*size, len(leads))
		chunk := leads[i*size : end]
		res.Files = append(res.Files, File{
			Name:  FileName(opts, i+1, parts),
			Part:  i + 1,
			Parts: parts,
			Rows:  len(chunk),
			Data:  encodeCSV(chunk),
		})
	}
	return res, nil
}

// FileName is <prefix>_<city>_<date>.csv, with _parte_<i>_de_<n> when split.
func FileName(opts CSVOptions, part, parts int) string {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultFilePrefix
	}
	date := opts.Date
	if date.IsZero() {
		date = time.Now()
	}
	name := fmt.Sprintf("%s_%s_%s", prefix, opts.City, date.Format("2006-01-02"))
	if parts > 1 {
		name += fmt.Sprintf("_parte_%d_de_%d", part, parts)
	}
	return name + ".csv"
}

func encodeCSV(leads []domain.Lead) []byte {
	var buf bytes.Buffer
	buf.WriteString(bom)
	buf.WriteString(strings.Join(Header, ","))
	for _, l := range leads {
		admin := l.NombreAdministrador
		if strings.TrimSpace(admin) == "" {
			admin = defaultAdminLabel
		}
		buf.WriteByte('\n')
		for i, field := range []string{l.NombreConjunto, admin, l.Email, l.Direccion, l.Telefono, l.Ciudad} {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(quote(field))
		}
	}
	return buf.Bytes()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
