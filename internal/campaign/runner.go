// Package campaign runs a bulk outreach pass over qualified leads, one
// recipient at a time, and reports progress as it goes.
package campaign

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadline/internal/domain"
)

type State string

const (
	StateIdle     State = "idle"
	StateSending  State = "sending"
	StateComplete State = "complete"
)

var (
	ErrAlreadyStarted = errors.New("campaign already started")
	ErrNoRecipients   = errors.New("no recipients with status procesado")
)

// Message is what a Sender delivers to one recipient.
type Message struct {
	Lead    domain.Lead
	To      string
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SimulatedSender waits Delay and reports success.
type SimulatedSender struct {
	Delay time.Duration
}

func (s SimulatedSender) Send(ctx context.Context, _ Message) error {
	if s.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Phase string

const (
	PhaseSending Phase = "sending"
	PhaseDone    Phase = "done"
)

// Progress is emitted before and after each recipient.
type Progress struct {
	Phase    Phase                  `json:"phase" enum:"sending,done"`
	Index    int                    `json:"index"`
	Total    int                    `json:"total"`
	LeadName string                 `json:"leadName"`
	Email    string                 `json:"email"`
	Status   domain.RecipientStatus `json:"status,omitempty"`
	Percent  int                    `json:"percent"`
}

// Percent is the completion after recipient i (0-based) of total. It rounds
// up rather than to nearest so that three recipients report 34, 67, 100;
// for other totals it can read one point above a nearest rounding.
func Percent(i, total int) int {
	if total <= 0 {
		return 100
	}
	return (100*(i+1) + total - 1) / total
}

// Runner moves idle -> sending -> complete exactly once.
type Runner struct {
	Sender Sender
	// Personalize renders the body for one recipient; nil sends it verbatim.
	Personalize func(body string, lead domain.Lead) string
	Now         func() time.Time
	NewID       func() string

	mu    sync.Mutex
	state State
}

func NewRunner(sender Sender) *Runner {
	return &Runner{Sender: sender, state: StateIdle}
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == "" {
		return StateIdle
	}
	return r.state
}

func (r *Runner) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "" && r.state != StateIdle {
		return ErrAlreadyStarted
	}
	r.state = StateSending
	return nil
}

func (r *Runner) finish() {
	r.mu.Lock()
	r.state = StateComplete
	r.mu.Unlock()
}

// Recipients keeps the procesado leads in list order.
func Recipients(leads []domain.Lead) []domain.Lead {
	var out []domain.Lead
	for _, l := range leads {
		if l.Status.Normalize() == domain.StatusProcesado {
			out = append(out, l)
		}
	}
	return out
}

// Run sends to every recipient in order. Once started it is not cancelled by
// ctx; values carried by ctx still reach the sender.
func (r *Runner) Run(ctx context.Context, subject, body string, recipients []domain.Lead, progress func(Progress)) (domain.CampaignLog, error) {
	if len(recipients) == 0 {
		return domain.CampaignLog{}, ErrNoRecipients
	}
	if err := r.start(); err != nil {
		return domain.CampaignLog{}, err
	}
	defer r.finish()
	if progress == nil {
		progress = func(Progress) {}
	}
	sendCtx := context.WithoutCancel(ctx)
	total := len(recipients)
	outcomes := make([]domain.RecipientLog, 0, total)
	for i, lead := range recipients {
		progress(Progress{Phase: PhaseSending, Index: i, Total: total, LeadName: lead.NombreConjunto,
			Email: lead.Email, Percent: percentBefore(i, total)})

		msg := Message{Lead: lead, To: lead.Email, Subject: subject, Body: body}
		if r.Personalize != nil {
			msg.Body = r.Personalize(body, lead)
		}
		status := domain.RecipientSuccess
		if !lead.IsComplete() {
			// forced into procesado without contact data; nothing to send to
			status = domain.RecipientError
		} else if err := r.Sender.Send(sendCtx, msg); err != nil {
			status = domain.RecipientError
		}
		outcomes = append(outcomes, domain.RecipientLog{LeadName: lead.NombreConjunto, Email: lead.Email, Status: status})

		progress(Progress{Phase: PhaseDone, Index: i, Total: total, LeadName: lead.NombreConjunto,
			Email: lead.Email, Status: status, Percent: Percent(i, total)})
	}
	return domain.CampaignLog{
		ID:         r.newID(),
		Date:       r.now().UTC(),
		Subject:    subject,
		Recipients: outcomes,
	}, nil
}

func percentBefore(i, total int) int {
	if i == 0 {
		return 0
	}
	return Percent(i-1, total)
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}
