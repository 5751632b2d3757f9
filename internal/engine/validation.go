package engine

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"leadline/internal/domain"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	urlPattern   = regexp.MustCompile(`(?i)^(https?://)?((([a-z\d]([a-z\d-]*[a-z\d])*)\.)+[a-z]{2,}|((\d{1,3}\.){3}\d{1,3}))(:\d+)?(/[-a-z\d%_.~+]*)*(\?[;&a-z\d%_.~+=-]*)?(#[-a-z\d_]*)?$`)
	nonDigit     = regexp.MustCompile(`\D`)
)

// leadForm is the editable subset of a lead checked before saving.
type leadForm struct {
	NombreConjunto string `json:"nombreConjunto" validate:"required"`
	Email          string `json:"email" validate:"required,leademail"`
	Direccion      string `json:"direccion" validate:"required"`
	Telefono       string `json:"telefono" validate:"required,leadphone"`
	SitioWeb       string `json:"sitioWeb" validate:"omitempty,leadurl"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "leademail", func(fl validator.FieldLevel) bool {
		return emailPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "leadphone", func(fl validator.FieldLevel) bool {
		n := len(nonDigit.ReplaceAllString(fl.Field().String(), ""))
		return n >= 7 && n <= 12
	})
	mustRegister(v, "leadurl", func(fl validator.FieldLevel) bool {
		return urlPattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s: %v", tag, err))
	}
}

// ValidationError maps field names to user-facing messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid lead: " + strings.Join(parts, ", ")
}

// ValidateLead applies the edit form rules to l.
func ValidateLead(l domain.Lead) error {
	form := leadForm{
		NombreConjunto: strings.TrimSpace(l.NombreConjunto),
		Email:          strings.TrimSpace(l.Email),
		Direccion:      strings.TrimSpace(l.Direccion),
		Telefono:       strings.TrimSpace(l.Telefono),
		SitioWeb:       strings.TrimSpace(l.SitioWeb),
	}
	err := validate.Struct(form)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	out := &ValidationError{Fields: map[string]string{}}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "Campo obligatorio"
	case "leademail":
		return "Formato de correo inválido"
	case "leadphone":
		return "Número inválido (7-12 dígitos)"
	case "leadurl":
		return "Formato de URL inválido (ej: https://web.com)"
	}
	return "Valor inválido"
}
