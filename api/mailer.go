package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// mailTimeout bounds a detached mail send.
const mailTimeout = 30 * time.Second

// Message is an outbound email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers email. Delivery is best-effort: handlers never fail a
// request because mail could not be sent.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer returns a LogMailer writing to logger.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger.With("component", "mail")}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "mail not sent, no transport configured",
		"to_domain", domainOf(msg.To), "subject", msg.Subject)
	return nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// sendAsync delivers msg off the request path.
func (a *API) sendAsync(ctx context.Context, msg Message) {
	detached := context.WithoutCancel(ctx)
	a.spawn(func() {
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("mail send panicked", "panic", fmt.Sprint(p))
			}
		}()
		ctx, cancel := context.WithTimeout(detached, mailTimeout)
		defer cancel()
		if err := a.mailer.Send(ctx, msg); err != nil {
			a.logger.Warn("mail not delivered", "subject", msg.Subject, "error", err)
		}
	})
}

func welcomeMessage(email, name string) Message {
	if name == "" {
		name = "there"
	}
	return Message{
		To:      email,
		Subject: "Welcome to your dashboard",
		Body:    fmt.Sprintf("Hi %s,\n\nYour dashboard account is ready.\n", name),
	}
}
