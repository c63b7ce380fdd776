// Package assistant connects the relay to the AI chat contact. The remote
// model is an unreliable collaborator: every failure degrades to a fixed
// reply and never reaches the conversation flow as an error.
package assistant

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"zenchat/logging"
	"zenchat/metrics"
	"zenchat/models"
)

// Unavailable is the reply shown when the model cannot be reached
const Unavailable = "I'm having trouble connecting right now. Please check the API key or your internet connection and try again."

// placeholder prompt when a message carries media only
const mediaOnlyPrompt = "[User sent media]"

// Request is one user turn addressed to the assistant
type Request struct {
	ConversationID string
	Text           string
	Persona        string
	Media          string // base64 payload, optionally a data URL
	MediaType      string
	Location       *models.Location
}

// Assistant produces a reply to one user turn
type Assistant interface {
	SendMessage(ctx context.Context, req Request) (string, error)
}

// Resilient guards an Assistant with a circuit breaker and turns every
// failure into the Unavailable reply.
type Resilient struct {
	next    Assistant
	cb      *gobreaker.CircuitBreaker[string]
	timeout time.Duration
}

// NewResilient wraps next. The breaker opens after threshold consecutive
// failures and probes again after cooldown.
func NewResilient(next Assistant, threshold uint32, cooldown, timeout time.Duration) *Resilient {
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "assistant",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("[CIRCUIT BREAKER] Assistant state transition")
		},
	})
	return &Resilient{next: next, cb: cb, timeout: timeout}
}

// Reply always returns text to show in the conversation
func (r *Resilient) Reply(ctx context.Context, req Request) string {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := r.cb.Execute(func() (string, error) {
		return r.next.SendMessage(ctx, req)
	})
	metrics.AssistantDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.AssistantRequests.WithLabelValues("unavailable").Inc()
		logging.Warn().Err(err).Str("conversation_id", req.ConversationID).Msg("Assistant request rejected")
		return Unavailable
	case err != nil:
		metrics.AssistantRequests.WithLabelValues("error").Inc()
		logging.Error().Err(err).Str("conversation_id", req.ConversationID).Msg("Assistant request failed")
		return Unavailable
	case reply == "":
		metrics.AssistantRequests.WithLabelValues("error").Inc()
		return Unavailable
	}
	metrics.AssistantRequests.WithLabelValues("success").Inc()
	return reply
}

// SendMessage lets Resilient stand in for any Assistant
func (r *Resilient) SendMessage(ctx context.Context, req Request) (string, error) {
	return r.Reply(ctx, req), nil
}
