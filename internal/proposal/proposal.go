// Package proposal personalizes the firm's letter template for one lead.
package proposal

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"leadline/internal/domain"
)

// Heading is the literal phrase in the letter that the salutation rule rewrites.
const Heading = "CONSEJO DE ADMINISTRACIÓN Y REPRESENTANTE LEGAL"

const (
	genericSalutation = "SEÑOR(A) ADMINISTRADOR(A) Y CONSEJO DE ADMINISTRACIÓN"
	unknownAdminMark  = "por contactar"
)

// Placeholder tokens substituted by Render.
const (
	TokenConjunto  = "{{CONJUNTO}}"
	TokenFecha     = "{{FECHA}}"
	TokenEmail     = "{{EMAIL}}"
	TokenDireccion = "{{DIRECCION}}"
	TokenCiudad    = "{{CIUDAD}}"
	TokenTelefono  = "{{TELEFONO}}"
	// TokenAdministrador is offered to template authors but Render leaves it untouched.
	TokenAdministrador = "{{ADMINISTRADOR}}"
)

// RenderedTokens lists every token Render replaces.
var RenderedTokens = []string{TokenConjunto, TokenFecha, TokenEmail, TokenDireccion, TokenCiudad, TokenTelefono}

type Tag struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Tags returns the placeholders offered when editing a template.
func Tags() []Tag {
	return []Tag{
		{Label: "Conjunto", Value: TokenConjunto},
		{Label: "Administrador", Value: TokenAdministrador},
		{Label: "Dirección", Value: TokenDireccion},
		{Label: "Ciudad", Value: TokenCiudad},
		{Label: "Teléfono", Value: TokenTelefono},
	}
}

// Salutation picks the heading for the lead's administrator.
func Salutation(admin string) string {
	if strings.TrimSpace(admin) == "" || strings.Contains(strings.ToLower(admin), unknownAdminMark) {
		return genericSalutation
	}
	return "ATENCIÓN: " + strings.ToUpper(admin) + "\n" + Heading
}

// Render substitutes the lead into tmpl. Always render from the stored
// template: a rendered letter no longer carries the tokens.
func Render(tmpl string, lead domain.Lead, asOf time.Time) string {
	out := strings.ReplaceAll(tmpl, TokenConjunto, strings.ToUpper(lead.NombreConjunto))
	out = strings.ReplaceAll(out, Heading, Salutation(lead.NombreAdministrador))
	for _, sub := range []struct{ token, value string }{
		{TokenDireccion, lead.Direccion},
		{TokenCiudad, lead.Ciudad},
		{TokenEmail, lead.Email},
		{TokenFecha, LongDate(asOf)},
		{TokenTelefono, lead.Telefono},
	} {
		out = strings.ReplaceAll(out, sub.token, sub.value)
	}
	return out
}

var meses = [...]string{"enero", "febrero", "marzo", "abril", "mayo", "junio", "julio",
	"agosto", "septiembre", "octubre", "noviembre", "diciembre"}

// LongDate formats t the way Spanish letters are dated: "16 de octubre de 2026".
func LongDate(t time.Time) string {
	return strconv.Itoa(t.Day()) + " de " + meses[t.Month()-1] + " de " + strconv.Itoa(t.Year())
}

// Subject is the email subject used for a single proposal.
func Subject(lead domain.Lead) string {
	return "Propuesta Profesional - " + lead.NombreConjunto
}

// MailtoURL builds a mailto link carrying the rendered letter.
func MailtoURL(lead domain.Lead, body string) string {
	return "mailto:" + lead.Email + "?subject=" + escape(Subject(lead)) + "&body=" + escape(body)
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
