// Package registry keeps the cross-session set of conjunto identity keys used
// to suppress leads that an earlier search already produced.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"leadline/internal/domain"
	"leadline/internal/persist"
)

// Registry is append-only: keys are never removed.
type Registry struct {
	Port persist.Port[[]string]

	mu sync.Mutex
}

func New(port persist.Port[[]string]) *Registry {
	return &Registry{Port: port}
}

// Keys returns the stored keys in insertion order.
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, err := r.Port.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (r *Registry) Contains(ctx context.Context, key string) (bool, error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}

// Add records keys not yet known. Adding an existing key is a no-op.
func (r *Registry) Add(ctx context.Context, keys ...string) error {
	_, err := r.AddTx(ctx, nil, keys...)
	return err
}

// AddTx records keys as part of tx. Ports that can join the transaction
// write through it; the others save immediately and the returned undo puts
// the previous document back if tx later fails to commit.
func (r *Registry) AddTx(ctx context.Context, tx *sql.Tx, keys ...string) (undo func(context.Context) error, err error) {
	undo = func(context.Context) error { return nil }
	if len(keys) == 0 {
		return undo, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.Port.Load(ctx)
	if err != nil {
		return undo, fmt.Errorf("load registry: %w", err)
	}
	previous := append([]string(nil), current...)
	seen := make(map[string]struct{}, len(current))
	for _, k := range current {
		seen[k] = struct{}{}
	}
	changed := false
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		current = append(current, k)
		changed = true
	}
	if !changed {
		return undo, nil
	}
	if ts, ok := r.Port.(persist.TxSaver[[]string]); ok && tx != nil {
		if err := ts.SaveTx(ctx, tx, current); err != nil {
			return undo, fmt.Errorf("save registry: %w", err)
		}
		return undo, nil
	}
	if err := r.Port.Save(ctx, current); err != nil {
		return undo, fmt.Errorf("save registry: %w", err)
	}
	return func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.Port.Save(ctx, previous)
	}, nil
}

// Filter splits candidates into unseen and already-known ones. A candidate
// without ciudad is keyed on city. Duplicates inside the same batch are
// dropped after their first occurrence.
func (r *Registry) Filter(ctx context.Context, candidates []domain.Candidate, city string) (kept, dropped []domain.Candidate, err error) {
	keys, err := r.Keys(ctx)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k] = struct{}{}
	}
	kept = []domain.Candidate{}
	for _, c := range candidates {
		ciudad := c.Ciudad
		if strings.TrimSpace(ciudad) == "" {
			ciudad = city
		}
		key := domain.IdentityKey(c.NombreConjunto, ciudad)
		if _, ok := known[key]; ok {
			dropped = append(dropped, c)
			continue
		}
		known[key] = struct{}{}
		kept = append(kept, c)
	}
	return kept, dropped, nil
}
