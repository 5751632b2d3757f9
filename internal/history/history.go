// Package history persists completed campaign logs, most recent first.
package history

import (
	"context"
	"fmt"
	"sync"

	"leadline/internal/domain"
	"leadline/internal/persist"
	"leadline/internal/repo"
)

type History struct {
	Port persist.Port[[]domain.CampaignLog]

	mu sync.Mutex
}

func New(port persist.Port[[]domain.CampaignLog]) *History {
	return &History{Port: port}
}

// Append prepends log. Stored logs are never modified.
func (h *History) Append(ctx context.Context, log domain.CampaignLog) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	logs, err := h.Port.Load(ctx)
	if err != nil {
		return fmt.Errorf("load campaign history: %w", err)
	}
	logs = append([]domain.CampaignLog{log}, logs...)
	if err := h.Port.Save(ctx, logs); err != nil {
		return fmt.Errorf("save campaign history: %w", err)
	}
	return nil
}

func (h *History) List(ctx context.Context) ([]domain.CampaignLog, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	logs, err := h.Port.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load campaign history: %w", err)
	}
	if logs == nil {
		logs = []domain.CampaignLog{}
	}
	return logs, nil
}

func (h *History) Get(ctx context.Context, id string) (domain.CampaignLog, error) {
	logs, err := h.List(ctx)
	if err != nil {
		return domain.CampaignLog{}, err
	}
	for _, l := range logs {
		if l.ID == id {
			return l, nil
		}
	}
	return domain.CampaignLog{}, repo.ErrNotFound
}
