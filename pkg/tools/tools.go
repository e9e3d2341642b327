// Package tools contains the demo tools served by tollgate: a weather lookup
// that runs immediately and an email sender that is gated behind approval.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/tollgate/internal/tracing"
	"github.com/harun/tollgate/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	GetWeatherName = "get_weather"
	SendEmailName  = "send_email"
)

// Options configures demo tool registration.
type Options struct {
	Outbox *Outbox
	Logger zerolog.Logger
}

// Register adds the demo tools to executor. Gating is applied separately
// through ToolExecutor.RequireApproval.
func Register(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox()
	}

	defs := []toolexecutor.ToolDefinition{
		GetWeather(),
		SendEmail(opts.Outbox, opts.Logger),
	}
	for _, def := range defs {
		if err := executor.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// GetWeather reports a canned forecast for a location.
func GetWeather() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        GetWeatherName,
		Description: "Get the current weather for a location.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "location", Type: "string", Description: "City or place name", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			location, err := stringParam(params, "location")
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("The weather in %s is cloudy with a high of 15°C.", location), nil
		},
	}
}

// SendEmail delivers a message into outbox.
func SendEmail(outbox *Outbox, logger zerolog.Logger) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        SendEmailName,
		Description: "Send an email to a recipient. Requires human approval.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "to", Type: "string", Description: "Recipient address", Required: true},
			{Name: "subject", Type: "string", Description: "Subject line", Required: true},
			{Name: "body", Type: "string", Description: "Message body", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			to, err := stringParam(params, "to")
			if err != nil {
				return nil, err
			}
			if !strings.Contains(to, "@") {
				return nil, fmt.Errorf("invalid recipient address: %s", to)
			}
			subject, err := stringParam(params, "subject")
			if err != nil {
				return nil, err
			}
			body, _ := params["body"].(string)

			msg, err := outbox.Deliver(to, subject, body)
			if err != nil {
				return nil, err
			}

			callLogger := tracing.LoggerFromContext(ctx, logger)
			callLogger.Info().
				Str("message_id", msg.ID).
				Str("to", msg.To).
				Str("subject", msg.Subject).
				Msg("Email sent")

			return fmt.Sprintf("Email sent to %s with subject %q (message id %s).", msg.To, msg.Subject, msg.ID), nil
		},
	}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return strings.TrimSpace(value), nil
}

// Message is an email recorded by the outbox.
type Message struct {
	ID      string    `json:"id"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// Outbox keeps every delivered message in memory.
type Outbox struct {
	mu       sync.Mutex
	messages []Message
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Deliver records a message and returns it with its assigned ID.
func (o *Outbox) Deliver(to, subject, body string) (Message, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Message{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg := Message{
		ID:      "msg_" + id,
		To:      to,
		Subject: subject,
		Body:    body,
		SentAt:  time.Now().UTC(),
	}

	o.mu.Lock()
	o.messages = append(o.messages, msg)
	o.mu.Unlock()
	return msg, nil
}

// Messages returns a copy of the delivered messages in delivery order.
func (o *Outbox) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Message, len(o.messages))
	copy(out, o.messages)
	return out
}
