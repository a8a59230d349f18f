// Package notify delivers match notifications by email.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"tg_monitor/internal/action"
)

// Mailer sends one email per match summary over SMTP.
type Mailer struct {
	host string
	port int
	user string
	pass string
	from string
	log  *slog.Logger
}

// New creates a Mailer.
func New(host string, port int, user, pass, from string, log *slog.Logger) *Mailer {
	return &Mailer{host: host, port: port, user: user, pass: pass, from: from, log: log}
}

// Send delivers the summary to every recipient in one message.
func (m *Mailer) Send(ctx context.Context, s action.Summary) error {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("set sender: %w", err)
	}
	if err := msg.To(s.Recipients...); err != nil {
		return fmt.Errorf("set recipients: %w", err)
	}
	msg.Subject(fmt.Sprintf("Monitor %d matched in chat %d", s.MonitorID, s.ChatID))

	body := fmt.Sprintf("Monitor: %d (%s)\nChat: %d\nSender: %s\nTime: %s\n",
		s.MonitorID, s.Kind, s.ChatID, s.Sender, s.Time.Format("2006-01-02 15:04:05 MST"))
	if s.Text != "" {
		body += "\n" + s.Text + "\n"
	}
	if s.FileName != "" {
		body += fmt.Sprintf("\nAttachment: %s\n", s.FileName)
	}
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(m.host,
		mail.WithPort(m.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.user),
		mail.WithPassword(m.pass),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	m.log.Info("notification sent", "monitor_id", s.MonitorID, "recipients", len(s.Recipients))
	return nil
}
