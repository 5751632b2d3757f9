// Package persist holds the durable cross-session state ports: a value is
// read at startup, changed in memory and written back whole.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"leadline/internal/repo"
)

// Version tags every stored document.
const Version = 1

var ErrUnsupportedVersion = errors.New("unsupported document version")

// Port loads and saves one logical value.
type Port[T any] interface {
	Load(ctx context.Context) (T, error)
	Save(ctx context.Context, v T) error
}

// TxSaver is implemented by ports that can write inside a database
// transaction, so the document commits or rolls back with it.
type TxSaver[T any] interface {
	SaveTx(ctx context.Context, tx *sql.Tx, v T) error
}

type envelope struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}

func encode[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Version: Version, Data: data})
}

func decode[T any](raw []byte) (T, error) {
	var zero T
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version < 1 || env.Version > Version {
		return zero, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, fmt.Errorf("decode document: %w", err)
	}
	return v, nil
}

// SQLiteKV stores the document in the workspace kv table.
type SQLiteKV[T any] struct {
	Repo repo.Repo
	Key  string
}

func (s SQLiteKV[T]) Load(ctx context.Context) (T, error) {
	raw, err := s.Repo.GetKV(ctx, s.Key)
	if errors.Is(err, repo.ErrNotFound) {
		var zero T
		return zero, nil
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load %s: %w", s.Key, err)
	}
	return decode[T](raw)
}

func (s SQLiteKV[T]) Save(ctx context.Context, v T) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	if err := s.Repo.PutKV(ctx, s.Key, raw); err != nil {
		return fmt.Errorf("save %s: %w", s.Key, err)
	}
	return nil
}

func (s SQLiteKV[T]) SaveTx(ctx context.Context, tx *sql.Tx, v T) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	if err := s.Repo.PutKVTx(ctx, tx, s.Key, raw); err != nil {
		return fmt.Errorf("save %s: %w", s.Key, err)
	}
	return nil
}

// RedisKV stores the document as a plain redis string.
type RedisKV[T any] struct {
	Client redis.Cmdable
	Key    string
}

func (s RedisKV[T]) Load(ctx context.Context) (T, error) {
	var zero T
	raw, err := s.Client.Get(ctx, s.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("load %s: %w", s.Key, err)
	}
	return decode[T](raw)
}

func (s RedisKV[T]) Save(ctx context.Context, v T) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	if err := s.Client.Set(ctx, s.Key, raw, 0).Err(); err != nil {
		return fmt.Errorf("save %s: %w", s.Key, err)
	}
	return nil
}

// MemoryKV keeps the encoded document in memory.
type MemoryKV[T any] struct {
	mu  sync.Mutex
	raw []byte
}

func (m *MemoryKV[T]) Load(ctx context.Context) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raw == nil {
		var zero T
		return zero, nil
	}
	return decode[T](m.raw)
}

func (m *MemoryKV[T]) Save(ctx context.Context, v T) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.raw = raw
	m.mu.Unlock()
	return nil
}

// Raw exposes the stored bytes for inspection.
func (m *MemoryKV[T]) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.raw...)
}

// SetRaw replaces the stored bytes.
func (m *MemoryKV[T]) SetRaw(raw []byte) {
	m.mu.Lock()
	m.raw = append([]byte(nil), raw...)
	m.mu.Unlock()
}
