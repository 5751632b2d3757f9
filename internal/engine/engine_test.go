package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"leadline/internal/campaign"
	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/export"
	"leadline/internal/migrate"
	"leadline/internal/persist"
	"leadline/internal/registry"
	"leadline/internal/repo"
	"leadline/internal/view"
)

type fakeFinder struct {
	results []domain.Candidate
	err     error
	calls   int
}

func (f *fakeFinder) FindLeads(ctx context.Context, city string, count int) ([]domain.Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeImprover struct {
	out string
	err error
}

func (f fakeImprover) ImproveTemplate(ctx context.Context, tmpl string) (string, error) {
	return f.out, f.err
}

type testEnv struct {
	Engine engine.Engine
	Finder *fakeFinder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Campaign.Delay = config.Duration{}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }
	seq := 0
	eng.NewID = func() string {
		seq++
		return "id-" + string(rune('a'+seq-1))
	}
	finder := &fakeFinder{}
	eng.Finder = finder
	return testEnv{Engine: eng, Finder: finder, Ctx: context.Background()}
}

func candidate(name string) domain.Candidate {
	slug := strings.ToLower(strings.ReplaceAll(name, " ", ""))
	return domain.Candidate{
		NombreConjunto: name,
		Email:          "admin@" + slug + ".co",
		Direccion:      "Calle 100 # 15-20",
		Telefono:       "601 555 1234",
	}
}

func TestSearchIngestsAndDedups(t *testing.T) {
	env := newTestEnv(t)
	env.Finder.results = []domain.Candidate{candidate("Torres del Sol"), candidate("Parque Central")}
	env.Finder.results[1].Ciudad = "Chía"

	res, err := env.Engine.Search(env.Ctx, "", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Leads) != 2 || res.AllKnown {
		t.Fatalf("unexpected result %+v", res)
	}
	first := res.Leads[0]
	if first.ID != "id-a" || first.Ciudad != "Bogotá" || first.Status != domain.StatusPendiente {
		t.Fatalf("unexpected lead %+v", first)
	}
	if res.Leads[1].Ciudad != "Chía" {
		t.Fatalf("candidate city must win, got %s", res.Leads[1].Ciudad)
	}
	if !first.FechaCreacion.Equal(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("fechaCreacion not stamped: %v", first.FechaCreacion)
	}

	known, err := env.Engine.KnownIdentities(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(known) != 2 || known[0] != "torres del sol_bogotá" {
		t.Fatalf("registry keys: %v", known)
	}

	// a later search returning the same conjunto is suppressed
	env.Finder.results = []domain.Candidate{candidate("Torres del Sol"), candidate("Alcázar")}
	env.Finder.results[0].Ciudad = "Bogotá"
	res, err = env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(res.Leads) != 1 || res.Leads[0].NombreConjunto != "Alcázar" || len(res.Duplicates) != 1 {
		t.Fatalf("dedup failed: %+v", res)
	}

	// new leads are listed first
	page, err := env.Engine.Leads(env.Ctx, view.Query{Page: 1})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, l := range page.Items {
		names = append(names, l.NombreConjunto)
	}
	if strings.Join(names, ",") != "Alcázar,Torres del Sol,Parque Central" {
		t.Fatalf("order: %v", names)
	}
}

func TestSearchAllKnownIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.Finder.results = []domain.Candidate{candidate("Torres del Sol")}
	if _, err := env.Engine.Search(env.Ctx, "Bogotá", 5); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil {
		t.Fatalf("all-known must not fail: %v", err)
	}
	if !res.AllKnown || res.Raw != 1 || len(res.Leads) != 0 {
		t.Fatalf("expected all-known state, got %+v", res)
	}

	env.Finder.results = nil
	res, err = env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil || res.AllKnown {
		t.Fatalf("empty lookup is not all-known: %+v %v", res, err)
	}
}

func TestSearchFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Finder.err = errors.New("connection reset")
	_, err := env.Engine.Search(env.Ctx, "Bogotá", 10)
	if !errors.Is(err, engine.ErrLookupFailed) {
		t.Fatalf("expected ErrLookupFailed, got %v", err)
	}
	leads, _ := env.Engine.Repo.ListLeads(env.Ctx, repo.LeadFilters{})
	if len(leads) != 0 {
		t.Fatalf("no leads expected, got %d", len(leads))
	}
	keys, _ := env.Engine.KnownIdentities(env.Ctx)
	if len(keys) != 0 {
		t.Fatalf("no registry keys expected, got %v", keys)
	}
}

func TestSearchRejectsCount(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Search(env.Ctx, "Bogotá", 7); !errors.Is(err, engine.ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
	if env.Finder.calls != 0 {
		t.Fatalf("finder must not be called")
	}
}

func seed(t *testing.T, env testEnv, names ...string) []domain.Lead {
	t.Helper()
	env.Finder.results = nil
	for _, n := range names {
		env.Finder.results = append(env.Finder.results, candidate(n))
	}
	res, err := env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return res.Leads
}

func TestEditLeadValidation(t *testing.T) {
	env := newTestEnv(t)
	l := seed(t, env, "Torres del Sol")[0]

	bad := "no-es-correo"
	phone := "12-34"
	url := "no es url"
	_, err := env.Engine.EditLead(env.Ctx, l.ID, engine.LeadPatch{Email: &bad, Telefono: &phone, SitioWeb: &url}, false)
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, f := range []string{"email", "telefono", "sitioWeb"} {
		if verr.Fields[f] == "" {
			t.Fatalf("missing message for %s: %v", f, verr.Fields)
		}
	}

	empty := "  "
	_, err = env.Engine.EditLead(env.Ctx, l.ID, engine.LeadPatch{Direccion: &empty}, false)
	if !errors.As(err, &verr) || verr.Fields["direccion"] != "Campo obligatorio" {
		t.Fatalf("expected required direccion, got %v", err)
	}

	email := "consejo@torres.com.co"
	phone = "(601) 555-1234"
	url = "https://torresdelsol.co/contacto"
	admin := "Marta Gómez"
	updated, err := env.Engine.EditLead(env.Ctx, l.ID, engine.LeadPatch{Email: &email, Telefono: &phone, SitioWeb: &url, NombreAdministrador: &admin}, false)
	if err != nil {
		t.Fatalf("valid edit: %v", err)
	}
	if updated.Email != email || !updated.FechaCreacion.Equal(l.FechaCreacion) || updated.ID != l.ID {
		t.Fatalf("unexpected edit result %+v", updated)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "lead.updated", "lead", l.ID)
	if err != nil || len(evts) != 1 {
		t.Fatalf("lead.updated event missing: %v %v", evts, err)
	}
}

func TestStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	l := seed(t, env, "Torres del Sol")[0]

	if _, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusEnviado, false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pendiente -> enviado must be rejected, got %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusProcesado, false); err != nil {
		t.Fatalf("to procesado: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusPendiente, false); err == nil {
		t.Fatalf("reverse move without force must fail")
	}
	got, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusPendiente, true)
	if err != nil || got.Status != domain.StatusPendiente {
		t.Fatalf("forced reversal: %v", err)
	}
}

func TestReviewProposal(t *testing.T) {
	env := newTestEnv(t)
	leads := seed(t, env, "Torres del Sol", "Parque Central")

	p, err := env.Engine.ReviewProposal(env.Ctx, leads[0].ID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if !strings.Contains(p.Text, "TORRES DEL SOL") || strings.Contains(p.Text, "{{CONJUNTO}}") {
		t.Fatalf("proposal not rendered")
	}
	if !strings.Contains(p.Text, "16 de octubre de 2026") {
		t.Fatalf("date not rendered")
	}
	if p.Lead.Status != domain.StatusProcesado || p.Filename != "Propuesta_Torres_del_Sol.docx" {
		t.Fatalf("unexpected proposal %+v", p.Lead)
	}
	if !strings.HasPrefix(p.Mailto, "mailto:admin@torresdelsol.co?subject=Propuesta%20Profesional%20-%20Torres%20del%20Sol") {
		t.Fatalf("mailto: %s", p.Mailto)
	}
	stored, _ := env.Engine.Lead(env.Ctx, leads[0].ID)
	if stored.Status != domain.StatusProcesado {
		t.Fatalf("status not persisted")
	}

	// incomplete leads are blocked
	if _, err := env.Engine.Repo.DB.Exec(`UPDATE leads SET telefono='' WHERE id=?`, leads[1].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReviewProposal(env.Ctx, leads[1].ID); !errors.Is(err, engine.ErrIncompleteLead) {
		t.Fatalf("expected ErrIncompleteLead, got %v", err)
	}
	if _, _, err := env.Engine.ExportProposalDocx(env.Ctx, leads[1].ID); !errors.Is(err, engine.ErrIncompleteLead) {
		t.Fatalf("docx must be blocked too, got %v", err)
	}
	stored, _ = env.Engine.Lead(env.Ctx, leads[1].ID)
	if stored.Status != domain.StatusPendiente {
		t.Fatalf("incomplete lead status changed")
	}

	name, data, err := env.Engine.ExportProposalDocx(env.Ctx, leads[0].ID)
	if err != nil || name != "Propuesta_Torres_del_Sol.docx" || len(data) == 0 {
		t.Fatalf("docx export: %s %v", name, err)
	}
}

func TestTemplateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tmpl, err := env.Engine.Template(env.Ctx)
	if err != nil || tmpl != env.Engine.Config.Template {
		t.Fatalf("default template expected: %v", err)
	}
	if err := env.Engine.SetTemplate(env.Ctx, "  "); err == nil {
		t.Fatalf("empty template must be rejected")
	}
	if err := env.Engine.SetTemplate(env.Ctx, "Hola {{CONJUNTO}}"); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.ImproveTemplate(env.Ctx); !errors.Is(err, engine.ErrImproveFailed) {
		t.Fatalf("missing improver must fail, got %v", err)
	}
	env.Engine.Improver = fakeImprover{err: errors.New("quota")}
	if _, err := env.Engine.ImproveTemplate(env.Ctx); !errors.Is(err, engine.ErrImproveFailed) {
		t.Fatalf("expected ErrImproveFailed, got %v", err)
	}
	env.Engine.Improver = fakeImprover{out: "Estimados {{CONJUNTO}}"}
	out, err := env.Engine.ImproveTemplate(env.Ctx)
	if err != nil || out != "Estimados {{CONJUNTO}}" {
		t.Fatalf("improve: %q %v", out, err)
	}
	tmpl, _ = env.Engine.Template(env.Ctx)
	if tmpl != out {
		t.Fatalf("improved template not stored")
	}
}

func TestExportCSVStrictAndLenient(t *testing.T) {
	env := newTestEnv(t)
	leads := seed(t, env, "Torres del Sol", "Parque Central", "Alcázar")
	if _, err := env.Engine.Repo.DB.Exec(`UPDATE leads SET telefono='' WHERE id=?`, leads[2].ID); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.ExportCSV(env.Ctx, engine.CSVExportOptions{})
	var incomplete *export.IncompleteError
	if !errors.As(err, &incomplete) || len(incomplete.Issues) != 1 {
		t.Fatalf("strict export must block, got %v", err)
	}

	lenient := false
	chunk := 2
	res, err := env.Engine.ExportCSV(env.Ctx, engine.CSVExportOptions{Strict: &lenient, ChunkSize: &chunk, City: "Bogotá"})
	if err != nil {
		t.Fatalf("lenient export: %v", err)
	}
	if len(res.Files) != 2 || len(res.Warnings) != 1 {
		t.Fatalf("unexpected export %+v", res)
	}
	if res.Files[0].Name != "base_datos_marketing_S&A_Bogotá_2026-10-16_parte_1_de_2.csv" {
		t.Fatalf("file name %s", res.Files[0].Name)
	}
}

func TestCampaignScenario(t *testing.T) {
	env := newTestEnv(t)
	leads := seed(t, env, "Uno", "Dos", "Tres", "Cuatro", "Cinco")
	// Uno, Dos, Tres procesado; Cuatro, Cinco stay pendiente
	for _, l := range leads[:3] {
		if _, err := env.Engine.ReviewProposal(env.Ctx, l.ID); err != nil {
			t.Fatal(err)
		}
	}

	var percents []int
	clog, err := env.Engine.RunCampaign(env.Ctx, engine.CampaignOptions{}, func(p campaign.Progress) {
		if p.Phase == campaign.PhaseDone {
			percents = append(percents, p.Percent)
		}
	})
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if len(clog.Recipients) != 3 || clog.Succeeded() != 3 {
		t.Fatalf("unexpected log %+v", clog)
	}
	if clog.Subject != env.Engine.Config.Campaign.Subject {
		t.Fatalf("default subject not applied: %s", clog.Subject)
	}
	if len(percents) != 3 || percents[0] != 34 || percents[1] != 67 || percents[2] != 100 {
		t.Fatalf("progress %v", percents)
	}
	for i, l := range leads {
		got, err := env.Engine.Lead(env.Ctx, l.ID)
		if err != nil {
			t.Fatal(err)
		}
		want := domain.StatusEnviado
		if i >= 3 {
			want = domain.StatusPendiente
		}
		if got.Status != want {
			t.Fatalf("%s: status %s, want %s", l.NombreConjunto, got.Status, want)
		}
	}

	logs, err := env.Engine.CampaignLogs(env.Ctx)
	if err != nil || len(logs) != 1 || logs[0].ID != clog.ID {
		t.Fatalf("history: %v %v", logs, err)
	}
	if _, err := env.Engine.RunCampaign(env.Ctx, engine.CampaignOptions{Subject: "otra"}, nil); !errors.Is(err, campaign.ErrNoRecipients) {
		t.Fatalf("no procesado leads left, got %v", err)
	}
}

type failingSender struct{ to string }

func (f failingSender) Send(ctx context.Context, msg campaign.Message) error {
	if msg.To == f.to {
		return errors.New("rejected")
	}
	return nil
}

func TestCampaignKeepsFailedRecipientsProcesado(t *testing.T) {
	env := newTestEnv(t)
	leads := seed(t, env, "Uno", "Dos")
	for _, l := range leads {
		if _, err := env.Engine.ReviewProposal(env.Ctx, l.ID); err != nil {
			t.Fatal(err)
		}
	}
	env.Engine.Sender = failingSender{to: leads[1].Email}
	clog, err := env.Engine.RunCampaign(env.Ctx, engine.CampaignOptions{Subject: "s", Body: "Hola {{CONJUNTO}}"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if clog.Succeeded() != 1 {
		t.Fatalf("expected one success: %+v", clog.Recipients)
	}
	got, _ := env.Engine.Lead(env.Ctx, leads[1].ID)
	if got.Status != domain.StatusProcesado {
		t.Fatalf("failed recipient must stay procesado, got %s", got.Status)
	}
}

func TestDeleteLead(t *testing.T) {
	env := newTestEnv(t)
	l := seed(t, env, "Torres del Sol")[0]
	if err := env.Engine.DeleteLead(env.Ctx, l.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteLead(env.Ctx, l.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// identity stays registered after delete
	keys, _ := env.Engine.KnownIdentities(env.Ctx)
	if len(keys) != 1 {
		t.Fatalf("registry keys must survive delete: %v", keys)
	}
}

type flakyRegistryPort struct {
	persist.MemoryKV[[]string]
	down bool
}

func (p *flakyRegistryPort) Save(ctx context.Context, v []string) error {
	if p.down {
		return errors.New("redis down")
	}
	return p.MemoryKV.Save(ctx, v)
}

func TestSearchRegistryFailureStoresNothing(t *testing.T) {
	env := newTestEnv(t)
	port := &flakyRegistryPort{down: true}
	env.Engine.Registry = registry.New(port)
	env.Finder.results = []domain.Candidate{candidate("Torres del Sol")}

	if _, err := env.Engine.Search(env.Ctx, "Bogotá", 5); err == nil || !strings.Contains(err.Error(), "redis down") {
		t.Fatalf("expected registry failure, got %v", err)
	}
	leads, _ := env.Engine.Repo.ListLeads(env.Ctx, repo.LeadFilters{})
	if len(leads) != 0 {
		t.Fatalf("leads must roll back with the registry, got %d", len(leads))
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 10, "lead.created", "", "")
	if len(evts) != 0 {
		t.Fatalf("no lead.created events expected, got %d", len(evts))
	}

	port.down = false
	res, err := env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil || len(res.Leads) != 1 {
		t.Fatalf("retry: %+v %v", res, err)
	}
	res, err = env.Engine.Search(env.Ctx, "Bogotá", 5)
	if err != nil || !res.AllKnown {
		t.Fatalf("conjunto must now be known: %+v %v", res, err)
	}
	leads, _ = env.Engine.Repo.ListLeads(env.Ctx, repo.LeadFilters{})
	if len(leads) != 1 {
		t.Fatalf("expected one stored lead, got %d", len(leads))
	}
}

func TestIncompleteLeadCannotAdvance(t *testing.T) {
	env := newTestEnv(t)
	l := seed(t, env, "Torres del Sol")[0]
	if _, err := env.Engine.Repo.DB.Exec(`UPDATE leads SET email='', telefono='' WHERE id=?`, l.ID); err != nil {
		t.Fatal(err)
	}

	_, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusProcesado, false)
	if !errors.Is(err, engine.ErrIncompleteLead) {
		t.Fatalf("expected ErrIncompleteLead, got %v", err)
	}
	if !strings.Contains(err.Error(), "email, telefono") {
		t.Fatalf("missing fields not named: %v", err)
	}
	stored, _ := env.Engine.Lead(env.Ctx, l.ID)
	if stored.Status != domain.StatusPendiente {
		t.Fatalf("status changed to %s", stored.Status)
	}

	if _, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusProcesado, true); err != nil {
		t.Fatalf("forced move: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, l.ID, domain.StatusEnviado, false); !errors.Is(err, engine.ErrIncompleteLead) {
		t.Fatalf("procesado -> enviado must be gated too, got %v", err)
	}

	// a forced incomplete recipient is logged as an error and never sent to
	clog, err := env.Engine.RunCampaign(env.Ctx, engine.CampaignOptions{Subject: "s"}, nil)
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if len(clog.Recipients) != 1 || clog.Recipients[0].Status != domain.RecipientError || clog.Succeeded() != 0 {
		t.Fatalf("unexpected recipients %+v", clog.Recipients)
	}
	stored, _ = env.Engine.Lead(env.Ctx, l.ID)
	if stored.Status != domain.StatusProcesado {
		t.Fatalf("incomplete recipient must stay procesado, got %s", stored.Status)
	}
}
