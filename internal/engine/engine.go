package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"leadline/internal/campaign"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/export"
	"leadline/internal/history"
	"leadline/internal/metrics"
	"leadline/internal/persist"
	"leadline/internal/proposal"
	"leadline/internal/registry"
	"leadline/internal/repo"
	"leadline/internal/view"
)

var (
	ErrLookupFailed   = errors.New("lead lookup failed")
	ErrImproveFailed  = errors.New("template improvement failed")
	ErrInvalidCount   = errors.New("result count not allowed")
	ErrIncompleteLead = errors.New("lead is incomplete")
)

// LeadFinder is the remote lookup that enumerates conjuntos in a city.
type LeadFinder interface {
	FindLeads(ctx context.Context, city string, count int) ([]domain.Candidate, error)
}

// TemplateImprover rewrites a proposal template.
type TemplateImprover interface {
	ImproveTemplate(ctx context.Context, tmpl string) (string, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *registry.Registry
	History  *history.History
	Finder   LeadFinder
	Improver TemplateImprover
	Sender   campaign.Sender
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Now      func() time.Time
	NewID    func() string
}

// Persisted document keys, prefixed by storage.key_prefix.
const (
	RegistryKey = "registry"
	HistoryKey  = "campaign_logs"
)

// New wires an engine whose persisted ports live in the workspace database.
func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Config:   cfg,
		Registry: registry.New(persist.SQLiteKV[[]string]{Repo: r, Key: DocumentKey(cfg, RegistryKey)}),
		History:  history.New(persist.SQLiteKV[[]domain.CampaignLog]{Repo: r, Key: DocumentKey(cfg, HistoryKey)}),
		Sender:   campaign.SimulatedSender{Delay: cfg.Campaign.Delay.Duration},
		Log:      zap.NewNop(),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// DocumentKey namespaces a persisted document.
func DocumentKey(cfg *config.Config, name string) string {
	if cfg == nil || cfg.Storage.KeyPrefix == "" {
		return name
	}
	return cfg.Storage.KeyPrefix + ":" + name
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// SearchResult reports one search. AllKnown is set when the lookup returned
// results but every one of them was already in the registry.
type SearchResult struct {
	Leads      []domain.Lead      `json:"leads"`
	Raw        int                `json:"raw"`
	Duplicates []domain.Candidate `json:"duplicates"`
	AllKnown   bool               `json:"allKnown"`
}

// Search asks the finder for count conjuntos in city and stores the unseen ones.
// Nothing is stored when the lookup fails.
func (e Engine) Search(ctx context.Context, city string, count int) (SearchResult, error) {
	if e.Config == nil {
		return SearchResult{}, errors.New("config not loaded")
	}
	city = strings.TrimSpace(city)
	if city == "" {
		city = e.Config.Search.DefaultCity
	}
	if !e.Config.AllowsCount(count) {
		return SearchResult{}, fmt.Errorf("%w: %d (allowed %v)", ErrInvalidCount, count, e.Config.Search.AllowedCounts)
	}
	if e.Finder == nil {
		return SearchResult{}, fmt.Errorf("%w: no lead finder configured", ErrLookupFailed)
	}
	logger := e.log().With(zap.String("city", city), zap.Int("count", count))

	started := time.Now()
	candidates, err := e.Finder.FindLeads(ctx, city, count)
	took := time.Since(started)
	if err != nil {
		e.Metrics.ObserveSearch("error", took, 0, 0)
		logger.Warn("lead lookup failed", zap.Error(err), zap.Duration("took", took))
		return SearchResult{}, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}

	kept, dropped, err := e.Registry.Filter(ctx, candidates, city)
	if err != nil {
		return SearchResult{}, err
	}
	res := SearchResult{Raw: len(candidates), Duplicates: dropped, Leads: []domain.Lead{}}
	if res.Duplicates == nil {
		res.Duplicates = []domain.Candidate{}
	}
	stamp := e.now().UTC()
	keys := make([]string, 0, len(kept))
	for _, c := range kept {
		l := domain.Lead{
			ID:                  e.newID(),
			NombreConjunto:      c.NombreConjunto,
			NombreAdministrador: c.NombreAdministrador,
			Email:               c.Email,
			Direccion:           c.Direccion,
			Telefono:            c.Telefono,
			SitioWeb:            c.SitioWeb,
			Ciudad:              c.Ciudad,
			Fuente:              c.Fuente,
			FechaCreacion:       stamp,
			Status:              domain.StatusPendiente,
		}
		if strings.TrimSpace(l.Ciudad) == "" {
			l.Ciudad = city
		}
		res.Leads = append(res.Leads, l)
		keys = append(keys, l.IdentityKey())
	}
	res.AllKnown = res.Raw > 0 && len(res.Leads) == 0

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SearchResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLeads(ctx, tx, res.Leads); err != nil {
		return SearchResult{}, err
	}
	for _, l := range res.Leads {
		if err := e.Events.Append(ctx, tx, events.LeadCreated, "lead", l.ID, events.EventPayload{
			"nombreConjunto": l.NombreConjunto,
			"ciudad":         l.Ciudad,
		}); err != nil {
			return SearchResult{}, err
		}
	}
	if len(dropped) > 0 {
		names := make([]string, 0, len(dropped))
		for _, d := range dropped {
			names = append(names, d.NombreConjunto)
		}
		if err := e.Events.Append(ctx, tx, events.LeadsDuplicated, "search", "", events.EventPayload{
			"city":       city,
			"duplicates": names,
		}); err != nil {
			return SearchResult{}, err
		}
	}
	undo, err := e.Registry.AddTx(ctx, tx, keys...)
	if err != nil {
		e.Metrics.ObserveSearch("error", took, 0, 0)
		logger.Warn("registry update failed", zap.Error(err))
		return SearchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		if uerr := undo(context.WithoutCancel(ctx)); uerr != nil {
			logger.Error("registry rollback failed", zap.Error(uerr))
		}
		return SearchResult{}, err
	}

	e.Metrics.ObserveSearch("ok", took, len(res.Leads), len(dropped))
	logger.Info("search completed",
		zap.Int("raw", res.Raw),
		zap.Int("new", len(res.Leads)),
		zap.Int("duplicates", len(dropped)),
		zap.Bool("all_known", res.AllKnown),
		zap.Duration("took", took))
	return res, nil
}

func (e Engine) Lead(ctx context.Context, id string) (domain.Lead, error) {
	return e.Repo.GetLead(ctx, id)
}

// Leads lists the workspace leads through the view query.
func (e Engine) Leads(ctx context.Context, q view.Query) (view.Page, error) {
	leads, err := e.Repo.ListLeads(ctx, repo.LeadFilters{})
	if err != nil {
		return view.Page{}, err
	}
	return view.Apply(leads, q)
}

// LeadPatch carries the fields to change; nil fields are left alone.
type LeadPatch struct {
	NombreConjunto      *string
	NombreAdministrador *string
	Email               *string
	Direccion           *string
	Telefono            *string
	SitioWeb            *string
	Ciudad              *string
	Fuente              *string
	Status              *domain.Status
}

func (p LeadPatch) editsFields() bool {
	for _, f := range []*string{p.NombreConjunto, p.NombreAdministrador, p.Email, p.Direccion, p.Telefono, p.SitioWeb, p.Ciudad, p.Fuente} {
		if f != nil {
			return true
		}
	}
	return false
}

// EditLead applies patch, validating the result when any field changes.
// ID and fechaCreacion never change. Status moves follow the transition
// table unless force is set, and only complete leads move past pendiente.
func (e Engine) EditLead(ctx context.Context, id string, patch LeadPatch, force bool) (domain.Lead, error) {
	original, err := e.Repo.GetLead(ctx, id)
	if err != nil {
		return domain.Lead{}, err
	}
	l := original
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&l.NombreConjunto, patch.NombreConjunto)
	set(&l.NombreAdministrador, patch.NombreAdministrador)
	set(&l.Email, patch.Email)
	set(&l.Direccion, patch.Direccion)
	set(&l.Telefono, patch.Telefono)
	set(&l.SitioWeb, patch.SitioWeb)
	set(&l.Ciudad, patch.Ciudad)
	set(&l.Fuente, patch.Fuente)
	if patch.editsFields() {
		if err := ValidateLead(l); err != nil {
			return domain.Lead{}, err
		}
	}
	if patch.Status != nil {
		next, err := domain.ParseStatus(string(*patch.Status))
		if err != nil {
			return domain.Lead{}, err
		}
		if err := domain.EnsureTransition(original.Status, next, force); err != nil {
			return domain.Lead{}, err
		}
		l.Status = next
	}
	if !force && l.Status.Normalize() != domain.StatusPendiente && l.Status.Normalize() != original.Status.Normalize() {
		if missing := l.MissingFields(); len(missing) > 0 {
			return domain.Lead{}, fmt.Errorf("%w: missing %s", ErrIncompleteLead, strings.Join(missing, ", "))
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLead(ctx, tx, l); err != nil {
		return domain.Lead{}, err
	}
	if changed := changedFields(original, l); len(changed) > 0 {
		if err := e.Events.Append(ctx, tx, events.LeadUpdated, "lead", l.ID, events.EventPayload{"fields": changed}); err != nil {
			return domain.Lead{}, err
		}
	}
	if l.Status.Normalize() != original.Status.Normalize() {
		if err := e.appendStatusEvent(ctx, tx, l.ID, original.Status, l.Status, force); err != nil {
			return domain.Lead{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	return l, nil
}

// SetStatus moves a lead to status.
func (e Engine) SetStatus(ctx context.Context, id string, status domain.Status, force bool) (domain.Lead, error) {
	return e.EditLead(ctx, id, LeadPatch{Status: &status}, force)
}

func changedFields(a, b domain.Lead) []string {
	var out []string
	for _, f := range []struct {
		name   string
		before string
		after  string
	}{
		{"nombreConjunto", a.NombreConjunto, b.NombreConjunto},
		{"nombreAdministrador", a.NombreAdministrador, b.NombreAdministrador},
		{"email", a.Email, b.Email},
		{"direccion", a.Direccion, b.Direccion},
		{"telefono", a.Telefono, b.Telefono},
		{"sitioWeb", a.SitioWeb, b.SitioWeb},
		{"ciudad", a.Ciudad, b.Ciudad},
		{"fuente", a.Fuente, b.Fuente},
	} {
		if f.before != f.after {
			out = append(out, f.name)
		}
	}
	return out
}

func (e Engine) appendStatusEvent(ctx context.Context, ex events.Execer, id string, from, to domain.Status, force bool) error {
	return e.Events.Append(ctx, ex, events.LeadStatus, "lead", id, events.EventPayload{
		"from_status": from.Normalize(),
		"to_status":   to.Normalize(),
		"force":       force,
	})
}

func (e Engine) DeleteLead(ctx context.Context, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	l, err := e.Repo.GetLeadTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteLead(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.LeadDeleted, "lead", id, events.EventPayload{"nombreConjunto": l.NombreConjunto}); err != nil {
		return err
	}
	return tx.Commit()
}

// Template returns the current proposal template, falling back to the configured one.
func (e Engine) Template(ctx context.Context) (string, error) {
	body, err := e.Repo.GetTemplate(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		if e.Config == nil {
			return "", errors.New("config not loaded")
		}
		return e.Config.Template, nil
	}
	return body, err
}

func (e Engine) SetTemplate(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("template is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveTemplate(ctx, tx, body); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TemplateUpdated, "template", "proposal", events.EventPayload{"length": len(body)}); err != nil {
		return err
	}
	return tx.Commit()
}

// ImproveTemplate sends the current template for rewriting and stores the result.
func (e Engine) ImproveTemplate(ctx context.Context) (string, error) {
	if e.Improver == nil {
		return "", fmt.Errorf("%w: no template improver configured", ErrImproveFailed)
	}
	current, err := e.Template(ctx)
	if err != nil {
		return "", err
	}
	improved, err := e.Improver.ImproveTemplate(ctx, current)
	if err != nil {
		e.log().Warn("template improvement failed", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrImproveFailed, err)
	}
	if err := e.SetTemplate(ctx, improved); err != nil {
		return "", err
	}
	return improved, nil
}

// Proposal is a letter rendered for one lead.
type Proposal struct {
	Lead     domain.Lead `json:"lead"`
	Text     string      `json:"text"`
	Subject  string      `json:"subject"`
	Mailto   string      `json:"mailto"`
	Filename string      `json:"filename"`
}

// RenderProposal renders the current template for a complete lead without
// touching its status.
func (e Engine) RenderProposal(ctx context.Context, id string) (Proposal, error) {
	l, err := e.Repo.GetLead(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if missing := l.MissingFields(); len(missing) > 0 {
		return Proposal{}, fmt.Errorf("%w: missing %s", ErrIncompleteLead, strings.Join(missing, ", "))
	}
	tmpl, err := e.Template(ctx)
	if err != nil {
		return Proposal{}, err
	}
	text := proposal.Render(tmpl, l, e.now())
	return Proposal{
		Lead:     l,
		Text:     text,
		Subject:  proposal.Subject(l),
		Mailto:   proposal.MailtoURL(l, text),
		Filename: export.DocxName(l.NombreConjunto),
	}, nil
}

// ReviewProposal renders the proposal and marks a pendiente lead procesado.
func (e Engine) ReviewProposal(ctx context.Context, id string) (Proposal, error) {
	p, err := e.RenderProposal(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	if p.Lead.Status.Normalize() != domain.StatusPendiente {
		return p, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLeadStatus(ctx, tx, id, domain.StatusProcesado); err != nil {
		return Proposal{}, err
	}
	if err := e.appendStatusEvent(ctx, tx, id, domain.StatusPendiente, domain.StatusProcesado, false); err != nil {
		return Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return Proposal{}, err
	}
	p.Lead.Status = domain.StatusProcesado
	return p, nil
}

// ExportProposalDocx renders the proposal as a Word document.
func (e Engine) ExportProposalDocx(ctx context.Context, id string) (string, []byte, error) {
	p, err := e.RenderProposal(ctx, id)
	if err != nil {
		return "", nil, err
	}
	var signers []string
	if e.Config != nil {
		signers = e.Config.Firm.Signers
	}
	data, err := export.Docx(p.Text, signers)
	if err != nil {
		return "", nil, err
	}
	e.Metrics.ObserveExport("docx", 1)
	return p.Filename, data, nil
}

// CSVExportOptions override the configured export settings when set.
type CSVExportOptions struct {
	City      string
	ChunkSize *int
	Strict    *bool
}

// ExportCSV serializes every lead, most recent first.
func (e Engine) ExportCSV(ctx context.Context, opts CSVExportOptions) (export.CSVResult, error) {
	if e.Config == nil {
		return export.CSVResult{}, errors.New("config not loaded")
	}
	leads, err := e.Repo.ListLeads(ctx, repo.LeadFilters{})
	if err != nil {
		return export.CSVResult{}, err
	}
	o := export.CSVOptions{
		City:      strings.TrimSpace(opts.City),
		Date:      e.now(),
		Prefix:    e.Config.Export.FilenamePrefix,
		ChunkSize: e.Config.Export.ChunkSize,
		Strict:    e.Config.Export.Strictness == config.StrictnessStrict,
	}
	if o.City == "" {
		o.City = e.Config.Search.DefaultCity
	}
	if opts.ChunkSize != nil {
		o.ChunkSize = *opts.ChunkSize
	}
	if opts.Strict != nil {
		o.Strict = *opts.Strict
	}
	res, err := export.CSV(leads, o)
	if err != nil {
		return res, err
	}
	if len(res.Warnings) > 0 {
		e.log().Warn("exporting incomplete leads", zap.Int("incomplete", len(res.Warnings)))
	}
	e.Metrics.ObserveExport("csv", len(res.Files))
	return res, nil
}

type CampaignOptions struct {
	Subject string
	// Body defaults to the current template.
	Body string
}

// CampaignRecipients lists the leads a campaign would reach.
func (e Engine) CampaignRecipients(ctx context.Context) ([]domain.Lead, error) {
	leads, err := e.Repo.ListLeads(ctx, repo.LeadFilters{Status: domain.StatusProcesado})
	if err != nil {
		return nil, err
	}
	return campaign.Recipients(leads), nil
}

// RunCampaign sends to every procesado lead, marks the delivered ones
// enviado by email and appends the log to the history.
func (e Engine) RunCampaign(ctx context.Context, opts CampaignOptions, progress func(campaign.Progress)) (domain.CampaignLog, error) {
	if e.Config == nil {
		return domain.CampaignLog{}, errors.New("config not loaded")
	}
	subject := strings.TrimSpace(opts.Subject)
	if subject == "" {
		subject = e.Config.Campaign.Subject
	}
	body := opts.Body
	if strings.TrimSpace(body) == "" {
		tmpl, err := e.Template(ctx)
		if err != nil {
			return domain.CampaignLog{}, err
		}
		body = tmpl
	}
	recipients, err := e.CampaignRecipients(ctx)
	if err != nil {
		return domain.CampaignLog{}, err
	}
	sender := e.Sender
	if sender == nil {
		sender = campaign.SimulatedSender{Delay: e.Config.Campaign.Delay.Duration}
	}
	runner := campaign.NewRunner(sender)
	runner.Now = e.now
	runner.NewID = e.newID
	asOf := e.now()
	runner.Personalize = func(body string, l domain.Lead) string {
		return proposal.Render(body, l, asOf)
	}
	logger := e.log().With(zap.String("subject", subject), zap.Int("recipients", len(recipients)))
	logger.Info("campaign started")

	clog, err := runner.Run(ctx, subject, body, recipients, func(p campaign.Progress) {
		if p.Phase == campaign.PhaseDone {
			e.Metrics.ObserveRecipient(string(p.Status))
			logger.Debug("recipient processed", zap.String("lead", p.LeadName), zap.String("status", string(p.Status)), zap.Int("percent", p.Percent))
		}
		if progress != nil {
			progress(p)
		}
	})
	if err != nil {
		return domain.CampaignLog{}, err
	}

	// the campaign is over; persist its outcome even if the caller went away
	ctx = context.WithoutCancel(ctx)
	if err := e.markSent(ctx, clog); err != nil {
		return clog, err
	}
	if err := e.History.Append(ctx, clog); err != nil {
		return clog, err
	}
	logger.Info("campaign completed", zap.String("campaign_id", clog.ID), zap.Int("succeeded", clog.Succeeded()))
	return clog, nil
}

func (e Engine) markSent(ctx context.Context, clog domain.CampaignLog) error {
	delivered := map[string]bool{}
	for _, r := range clog.Recipients {
		if r.Status == domain.RecipientSuccess {
			delivered[normalizeEmail(r.Email)] = true
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT id, email FROM leads WHERE status=?`, string(domain.StatusProcesado))
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id, email string
		if err := rows.Scan(&id, &email); err != nil {
			rows.Close()
			return err
		}
		if delivered[normalizeEmail(email)] {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.Repo.UpdateLeadStatus(ctx, tx, id, domain.StatusEnviado); err != nil {
			return err
		}
		if err := e.appendStatusEvent(ctx, tx, id, domain.StatusProcesado, domain.StatusEnviado, false); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.CampaignCompleted, "campaign", clog.ID, events.EventPayload{
		"subject":    clog.Subject,
		"recipients": len(clog.Recipients),
		"succeeded":  clog.Succeeded(),
		"marked":     len(ids),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (e Engine) CampaignLogs(ctx context.Context) ([]domain.CampaignLog, error) {
	return e.History.List(ctx)
}

func (e Engine) CampaignLog(ctx context.Context, id string) (domain.CampaignLog, error) {
	return e.History.Get(ctx, id)
}

// KnownIdentities lists the registry keys.
func (e Engine) KnownIdentities(ctx context.Context) ([]string, error) {
	return e.Registry.Keys(ctx)
}
