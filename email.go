package oneid

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Mail templates used by the email-link flow
const (
	TemplateMagicLink       = "magic_link"
	TemplateActivateAccount = "activate_account"
)

// Delivery describes a message accepted by a Mailer
type Delivery struct {
	MessageID string
	Template  string
	Recipient string
}

// Mailer lets applications provide their own email delivery.
type Mailer interface {
	Send(ctx context.Context, template string, args map[string]any, recipient string) (*Delivery, error)
}

// ConsoleMailer is a development implementation that logs emails instead of sending them
type ConsoleMailer struct {
	Logger *slog.Logger
}

func (c *ConsoleMailer) Send(ctx context.Context, template string, args map[string]any, recipient string) (*Delivery, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Delivery{MessageID: uuid.NewString(), Template: template, Recipient: recipient}
	logger.InfoContext(ctx, "email", "template", template, "to", recipient, "args", args, "message_id", d.MessageID)
	return d, nil
}
