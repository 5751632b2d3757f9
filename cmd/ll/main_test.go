package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"leadline/internal/view"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	initConfig()
	logger = zap.NewNop()
	var buf bytes.Buffer
	stdout = &buf
	defer func() { stdout = os.Stdout }()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&buf)
	root.SetErr(&buf)
	err := root.Execute()
	return buf.String(), err
}

func TestInitAndTemplate(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	ws := t.TempDir()

	out, err := run(t, "init", "-w", ws)
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(ws, "leadline.yml")); err != nil {
		t.Fatalf("leadline.yml not written: %v", err)
	}
	if _, err := run(t, "init", "-w", ws); err == nil {
		t.Fatalf("second init without --force should fail")
	}

	out, err = run(t, "template", "show", "-w", ws)
	if err != nil {
		t.Fatalf("template show: %v", err)
	}
	if !strings.Contains(out, "{{CONJUNTO}}") {
		t.Fatalf("expected default template, got %q", out)
	}

	tmpl := filepath.Join(ws, "carta.txt")
	if err := os.WriteFile(tmpl, []byte("Hola {{CONJUNTO}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if out, err := run(t, "template", "set", "--file", tmpl, "-w", ws); err != nil {
		t.Fatalf("template set: %v\n%s", err, out)
	}
	out, _ = run(t, "template", "show", "-w", ws)
	if strings.TrimSpace(out) != "Hola {{CONJUNTO}}" {
		t.Fatalf("template not replaced: %q", out)
	}

	out, err = run(t, "template", "tags", "--json", "-w", ws)
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	var tags []map[string]string
	if err := json.Unmarshal([]byte(out), &tags); err != nil || len(tags) != 5 {
		t.Fatalf("unexpected tags %q (%v)", out, err)
	}
}

func TestLeadsListEmpty(t *testing.T) {
	ws := t.TempDir()
	out, err := run(t, "leads", "list", "--json", "-w", ws)
	if err != nil {
		t.Fatalf("leads list: %v", err)
	}
	var page view.Page
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode page: %v (%s)", err, out)
	}
	if page.Total != 0 || page.TotalPages != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestSearchWithoutAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("LEADLINE_GEMINI_API_KEY", "")
	ws := t.TempDir()
	_, err := run(t, "search", "--count", "5", "-w", ws)
	if err == nil || !strings.Contains(err.Error(), "lookup failed") {
		t.Fatalf("expected lookup failure, got %v", err)
	}
}

func TestExportWithoutLeads(t *testing.T) {
	ws := t.TempDir()
	_, err := run(t, "export", "csv", "--out", filepath.Join(ws, "out"), "-w", ws)
	if err == nil {
		t.Fatalf("export with no leads should fail")
	}
}
