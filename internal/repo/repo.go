package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const leadColumns = `id,nombre_conjunto,nombre_administrador,email,direccion,telefono,sitio_web,ciudad,fuente,fecha_creacion,status`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var fecha, status string
	err := row.Scan(&l.ID, &l.NombreConjunto, &l.NombreAdministrador, &l.Email, &l.Direccion, &l.Telefono,
		&l.SitioWeb, &l.Ciudad, &l.Fuente, &fecha, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.FechaCreacion, err = time.Parse(time.RFC3339Nano, fecha); err != nil {
		return l, fmt.Errorf("lead %s fecha_creacion: %w", l.ID, err)
	}
	l.Status = domain.Status(status).Normalize()
	return l, nil
}

// InsertLeads stores a batch so that the first lead of the batch becomes the newest row.
func (r Repo) InsertLeads(ctx context.Context, tx *sql.Tx, leads []domain.Lead) error {
	for i := len(leads) - 1; i >= 0; i-- {
		l := leads[i]
		_, err := tx.ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			l.ID, l.NombreConjunto, l.NombreAdministrador, l.Email, l.Direccion, l.Telefono,
			l.SitioWeb, l.Ciudad, l.Fuente, l.FechaCreacion.UTC().Format(time.RFC3339Nano), string(l.Status.Normalize()))
		if err != nil {
			return fmt.Errorf("insert lead %s: %w", l.ID, err)
		}
	}
	return nil
}

func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
}

// LeadFilters narrows ListLeads; zero values match everything.
type LeadFilters struct {
	Status domain.Status
	Ciudad string
}

// ListLeads returns leads most-recent-first.
func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Ciudad != "" {
		clauses = append(clauses, "lower(ciudad)=lower(?)")
		args = append(args, f.Ciudad)
	}
	query := `SELECT ` + leadColumns + ` FROM leads WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateLead rewrites the mutable fields of a lead. ID and fecha_creacion never change.
func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET nombre_conjunto=?,nombre_administrador=?,email=?,direccion=?,telefono=?,sitio_web=?,ciudad=?,fuente=?,status=? WHERE id=?`,
		l.NombreConjunto, l.NombreAdministrador, l.Email, l.Direccion, l.Telefono, l.SitioWeb, l.Ciudad, l.Fuente,
		string(l.Status.Normalize()), l.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateLeadStatus(ctx context.Context, tx *sql.Tx, id string, status domain.Status) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET status=? WHERE id=?`, string(status.Normalize()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLead(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountLeadsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for _, s := range domain.Statuses {
		counts[s] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

const currentTemplate = "proposal"

// GetTemplate returns the stored proposal template.
func (r Repo) GetTemplate(ctx context.Context) (string, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body FROM templates WHERE name=?`, currentTemplate).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return body, err
}

func (r Repo) SaveTemplate(ctx context.Context, tx *sql.Tx, body string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(name,body,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`, currentTemplate, body, now)
	return err
}

// GetKV returns the raw JSON document stored under key.
func (r Repo) GetKV(ctx context.Context, key string) ([]byte, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT value_json FROM kv WHERE key=?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (r Repo) PutKV(ctx context.Context, key string, value []byte) error {
	return putKV(ctx, r.DB, key, value)
}

// PutKVTx writes the document as part of tx.
func (r Repo) PutKVTx(ctx context.Context, tx *sql.Tx, key string, value []byte) error {
	return putKV(ctx, tx, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putKV(ctx context.Context, ex execer, key string, value []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := ex.ExecContext(ctx, `INSERT INTO kv(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`, key, string(value), now)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(payload_json,'') FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
