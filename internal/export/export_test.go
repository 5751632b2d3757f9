package export

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
)

var exportDate = time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)

func completeLead(id, name string) domain.Lead {
	return domain.Lead{ID: id, NombreConjunto: name, Email: id + "@conjunto.co", Direccion: "Calle 1",
		Telefono: "6011234567", Ciudad: "Bogotá"}
}

func TestCSVQuotesAndRoundTrips(t *testing.T) {
	l := completeLead("a", `Conjunto "El Bosque"`)
	res, err := CSV([]domain.Lead{l}, CSVOptions{City: "Bogotá", Date: exportDate, Strict: true})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	f := res.Files[0]
	assert.Equal(t, "base_datos_marketing_S&A_Bogotá_2026-10-16.csv", f.Name)

	data := string(f.Data)
	require.True(t, strings.HasPrefix(data, "\ufeff"))
	assert.Contains(t, data, `"Conjunto ""El Bosque"""`)
	assert.Contains(t, data, `"Señor Administrador"`)
	assert.NotContains(t, data, "\r\n")

	records, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(data, "\ufeff"))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, `Conjunto "El Bosque"`, records[1][0])
	assert.Equal(t, "Bogotá", records[1][5])
}

func TestCSVChunksKeepOrder(t *testing.T) {
	var leads []domain.Lead
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		leads = append(leads, completeLead(id, "Conjunto "+id))
	}
	res, err := CSV(leads, CSVOptions{City: "Cali", Date: exportDate, ChunkSize: 2, Prefix: "leads"})
	require.NoError(t, err)
	require.Len(t, res.Files, 3)
	assert.Equal(t, "leads_Cali_2026-10-16_parte_1_de_3.csv", res.Files[0].Name)
	assert.Equal(t, "leads_Cali_2026-10-16_parte_3_de_3.csv", res.Files[2].Name)
	assert.Equal(t, []int{2, 2, 1}, []int{res.Files[0].Rows, res.Files[1].Rows, res.Files[2].Rows})

	rows, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(res.Files[2].Data, []byte("\ufeff")))).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "Conjunto e", rows[1][0])

	// a chunk size covering everything yields a single unnumbered file
	res, err = CSV(leads, CSVOptions{City: "Cali", Date: exportDate, ChunkSize: 10, Prefix: "leads"})
	require.NoError(t, err)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "leads_Cali_2026-10-16.csv", res.Files[0].Name)
}

func TestCSVCompletenessGate(t *testing.T) {
	missingPhone := completeLead("b", "Parque Real")
	missingPhone.Telefono = ""
	leads := []domain.Lead{completeLead("a", "Torres"), missingPhone}

	_, err := CSV(leads, CSVOptions{City: "Bogotá", Strict: true})
	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	require.Len(t, incomplete.Issues, 1)
	assert.Equal(t, "b", incomplete.Issues[0].ID)
	assert.Equal(t, []string{"telefono"}, incomplete.Issues[0].Missing)
	assert.Contains(t, err.Error(), "Parque Real (telefono)")

	res, err := CSV(leads, CSVOptions{City: "Bogotá"})
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, 2, res.Files[0].Rows)
}

func TestCSVRejectsEmptyInput(t *testing.T) {
	_, err := CSV(nil, CSVOptions{})
	assert.ErrorIs(t, err, ErrNoLeads)
}

func TestDocxName(t *testing.T) {
	assert.Equal(t, "Propuesta_Torres_del_Sol.docx", DocxName("Torres  del\tSol"))
}

func TestLayoutStylesSignatureAndHeadings(t *testing.T) {
	signers := []string{"Lulú Cely Rubiano", "Jairo Segura A."}
	ps := Layout("Señores:\nAsunto: Propuesta\ncuerpo\nDra. Lulú Cely Rubiano\nJairo Segura A.", signers)
	require.Len(t, ps, 5)
	assert.Equal(t, Paragraph{Text: "Señores:", Bold: true, Size: 22}, ps[0])
	assert.Equal(t, Paragraph{Text: "Asunto: Propuesta", Bold: true, Size: 22}, ps[1])
	assert.Equal(t, Paragraph{Text: "cuerpo", Size: 22}, ps[2])
	assert.Equal(t, Paragraph{Text: "Dra. Lulú Cely Rubiano", Bold: true, Size: 24}, ps[3])
	assert.True(t, ps[4].Bold)
}

func TestDocxPackage(t *testing.T) {
	data, err := Docx("Señores:\nA & B <c>\nJairo Segura A.", []string{"Jairo Segura A."})
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	files := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		files[f.Name] = string(body)
	}
	require.Contains(t, files, "[Content_Types].xml")
	require.Contains(t, files, "_rels/.rels")
	doc := files["word/document.xml"]
	assert.Equal(t, 3, strings.Count(doc, "<w:p>"))
	assert.Equal(t, 2, strings.Count(doc, "<w:b/>"))
	assert.Contains(t, doc, "A &amp; B &lt;c&gt;")
	assert.Contains(t, doc, `w:ascii="Arial"`)
	assert.Contains(t, doc, `<w:sz w:val="24"/>`)
	assert.Contains(t, doc, `<w:spacing w:after="120"/>`)
}
