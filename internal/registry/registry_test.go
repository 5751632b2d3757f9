package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
	"leadline/internal/persist"
)

func TestFilterDropsKnownIdentity(t *testing.T) {
	ctx := context.Background()
	reg := New(&persist.MemoryKV[[]string]{})
	require.NoError(t, reg.Add(ctx, "torres del sol_bogotá"))

	kept, dropped, err := reg.Filter(ctx, []domain.Candidate{
		{NombreConjunto: "Torres del Sol", Ciudad: "Bogotá"},
		{NombreConjunto: "Parque Central"},
	}, "Bogotá")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "Parque Central", kept[0].NombreConjunto)
	require.Len(t, dropped, 1)
	assert.Equal(t, "Torres del Sol", dropped[0].NombreConjunto)
}

func TestFilterUsesRequestedCityWhenMissing(t *testing.T) {
	ctx := context.Background()
	reg := New(&persist.MemoryKV[[]string]{})
	require.NoError(t, reg.Add(ctx, "parque central_medellín"))

	kept, dropped, err := reg.Filter(ctx, []domain.Candidate{{NombreConjunto: " PARQUE CENTRAL "}}, "Medellín")
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Len(t, dropped, 1)
}

func TestFilterDropsRepeatsWithinBatch(t *testing.T) {
	reg := New(&persist.MemoryKV[[]string]{})
	kept, dropped, err := reg.Filter(context.Background(), []domain.Candidate{
		{NombreConjunto: "Alcázar"}, {NombreConjunto: "alcázar"},
	}, "Cali")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
	assert.Len(t, dropped, 1)
}

func TestAddIsIdempotentAndAppendOnly(t *testing.T) {
	ctx := context.Background()
	port := &persist.MemoryKV[[]string]{}
	reg := New(port)

	require.NoError(t, reg.Add(ctx, "a_bogotá", "b_bogotá"))
	require.NoError(t, reg.Add(ctx, "b_bogotá", "c_bogotá", "a_bogotá"))

	keys, err := reg.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_bogotá", "b_bogotá", "c_bogotá"}, keys)

	ok, err := reg.Contains(ctx, "c_bogotá")
	require.NoError(t, err)
	assert.True(t, ok)

	// a second registry over the same port sees the persisted keys
	ok, err = New(port).Contains(ctx, "a_bogotá")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilterTreatsBlankCiudadAsMissing(t *testing.T) {
	ctx := context.Background()
	reg := New(&persist.MemoryKV[[]string]{})
	require.NoError(t, reg.Add(ctx, "torres del sol_bogotá"))

	kept, dropped, err := reg.Filter(ctx, []domain.Candidate{{NombreConjunto: "Torres del Sol", Ciudad: "  "}}, "Bogotá")
	require.NoError(t, err)
	assert.Empty(t, kept)
	assert.Len(t, dropped, 1)
}

type unavailablePort struct {
	persist.MemoryKV[[]string]
}

func (p *unavailablePort) Save(ctx context.Context, v []string) error {
	return errors.New("redis down")
}

func TestAddTxReportsSaveFailure(t *testing.T) {
	reg := New(&unavailablePort{})
	_, err := reg.AddTx(context.Background(), nil, "a_bogotá")
	assert.ErrorContains(t, err, "save registry")
}

func TestAddTxUndoRestoresPreviousKeys(t *testing.T) {
	ctx := context.Background()
	reg := New(&persist.MemoryKV[[]string]{})
	require.NoError(t, reg.Add(ctx, "a_bogotá"))

	undo, err := reg.AddTx(ctx, nil, "b_bogotá")
	require.NoError(t, err)
	keys, _ := reg.Keys(ctx)
	assert.Equal(t, []string{"a_bogotá", "b_bogotá"}, keys)

	require.NoError(t, undo(ctx))
	keys, err = reg.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a_bogotá"}, keys)
}
