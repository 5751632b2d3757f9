package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func insert(t *testing.T, r repo.Repo, leads ...domain.Lead) {
	t.Helper()
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, r.InsertLeads(ctx, tx, leads))
	require.NoError(t, tx.Commit())
}

func lead(id, name string) domain.Lead {
	return domain.Lead{
		ID: id, NombreConjunto: name, Email: id + "@conjunto.co", Direccion: "Calle 1", Telefono: "6011234567",
		Ciudad: "Bogotá", FechaCreacion: time.Date(2026, 10, 16, 9, 30, 0, 123, time.UTC), Status: domain.StatusPendiente,
	}
}

func TestLeadsAreListedMostRecentFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, lead("a", "Alcazar"), lead("b", "Bosque"))
	insert(t, r, lead("c", "Cedros"), lead("d", "Dalias"))

	leads, err := r.ListLeads(ctx, repo.LeadFilters{})
	require.NoError(t, err)
	var ids []string
	for _, l := range leads {
		ids = append(ids, l.ID)
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, ids)
	assert.Equal(t, lead("a", "Alcazar").FechaCreacion, leads[2].FechaCreacion)
}

func TestUpdateStatusAndDelete(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	insert(t, r, lead("a", "Alcazar"), lead("b", "Bosque"))

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.UpdateLeadStatus(ctx, tx, "a", domain.StatusProcesado))
	require.NoError(t, r.DeleteLead(ctx, tx, "b"))
	assert.True(t, errors.Is(r.DeleteLead(ctx, tx, "missing"), repo.ErrNotFound))
	require.NoError(t, tx.Commit())

	got, err := r.GetLead(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcesado, got.Status)

	_, err = r.GetLead(ctx, "b")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	procesados, err := r.ListLeads(ctx, repo.LeadFilters{Status: domain.StatusProcesado})
	require.NoError(t, err)
	assert.Len(t, procesados, 1)

	counts, err := r.CountLeadsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusProcesado])
	assert.Equal(t, 0, counts[domain.StatusEnviado])
}

func TestTemplateAndKVRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	_, err := r.GetTemplate(ctx)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.SaveTemplate(ctx, tx, "Hola {{CONJUNTO}}"))
	require.NoError(t, tx.Commit())
	body, err := r.GetTemplate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Hola {{CONJUNTO}}", body)

	_, err = r.GetKV(ctx, "registry")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	require.NoError(t, r.PutKV(ctx, "registry", []byte(`{"version":1}`)))
	require.NoError(t, r.PutKV(ctx, "registry", []byte(`{"version":1,"data":[]}`)))
	raw, err := r.GetKV(ctx, "registry")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"data":[]}`, string(raw))
}
