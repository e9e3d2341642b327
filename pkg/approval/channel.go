package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/tollgate/pkg/thread"
	"github.com/rs/zerolog"
)

// Channel delivers pending approvals to a human.
type Channel interface {
	Notify(ctx context.Context, pending []thread.PendingApproval) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, pending []thread.PendingApproval) error

func (f ChannelFunc) Notify(ctx context.Context, pending []thread.PendingApproval) error {
	return f(ctx, pending)
}

// ParseOutcome maps approve/approved and reject/rejected, in any case, to an
// outcome.
func ParseOutcome(text string) (thread.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "approve", "approved":
		return thread.OutcomeApproved, nil
	case "reject", "rejected":
		return thread.OutcomeRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", thread.ErrInvalidDecisionOutcome, text)
	}
}

// ParseDecision builds the decision for callID from an outcome word.
func ParseDecision(callID, text, rationale string) (thread.Decision, error) {
	outcome, err := ParseOutcome(text)
	if err != nil {
		return thread.Decision{}, err
	}
	decision := thread.Decision{
		CallID:    strings.TrimSpace(callID),
		Outcome:   outcome,
		Rationale: strings.TrimSpace(rationale),
	}
	if err := decision.Validate(); err != nil {
		return thread.Decision{}, err
	}
	return decision, nil
}

// Fanout notifies every channel, joining their errors.
type Fanout struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewFanout creates a channel that delivers to all of channels.
func NewFanout(channels ...Channel) *Fanout {
	return &Fanout{channels: channels}
}

// Add appends a channel.
func (f *Fanout) Add(ch Channel) {
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
}

func (f *Fanout) Notify(ctx context.Context, pending []thread.PendingApproval) error {
	f.mu.RLock()
	channels := make([]Channel, len(f.channels))
	copy(channels, f.channels)
	f.mu.RUnlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Notify(ctx, pending); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogChannel records pending approvals in the structured log so operators can
// find them with threads show or the gateway.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log-only channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Notify(ctx context.Context, pending []thread.PendingApproval) error {
	for _, p := range pending {
		l.logger.Info().
			Str("thread_id", p.ThreadID).
			Str("call_id", p.CallID).
			Str("tool", p.Call.Name).
			Interface("arguments", p.Call.Arguments).
			Msg("Tool call awaiting approval")
	}
	return nil
}
