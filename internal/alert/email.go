package alert

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ppiankov/accesswatch/internal/model"
)

// Default email addressing.
const (
	DefaultFromAddress     = "accesswatch@example.com"
	DefaultComplianceInbox = "compliance@example.com"
	DefaultSMTPPort        = 587
	ownerAddressTemplate   = "owner-%s@example.com"
)

// sendMailFunc matches smtp.SendMail.
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends HTML email over SMTP, with STARTTLS when the server
// offers it.
type EmailChannel struct {
	channelBase
	sendMail sendMailFunc
}

// NewEmailChannel creates an email channel.
func NewEmailChannel(cfg ChannelConfig, opts ...ChannelOption) *EmailChannel {
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = DefaultSMTPPort
	}
	if cfg.From == "" {
		cfg.From = DefaultFromAddress
	}
	return &EmailChannel{channelBase: newBase(cfg, opts), sendMail: smtp.SendMail}
}

// RecipientsFor returns the configured recipients for the alert's persona,
// falling back to the compliance inbox or the application owner.
func (e *EmailChannel) RecipientsFor(a model.Alert) []string {
	if r := e.cfg.Recipients[string(a.Persona)]; len(r) > 0 {
		return r
	}
	if a.Persona == model.PersonaAppOwner {
		return []string{fmt.Sprintf(ownerAddressTemplate, strings.ToLower(a.AppID))}
	}
	return []string{DefaultComplianceInbox}
}

// Send emails one alert with retry.
func (e *EmailChannel) Send(ctx context.Context, a model.Alert) (model.DeliveryResult, error) {
	to := e.RecipientsFor(a)
	msg := e.message(to, emailSubject(a), emailBody(a))
	return e.retry.deliver(ctx, e.cfg.Name, e.now, func(ctx context.Context) error {
		return e.send(ctx, to, msg)
	})
}

// SendDigest emails a batch of alerts to the compliance recipients.
func (e *EmailChannel) SendDigest(ctx context.Context, alerts []model.Alert) (model.DeliveryResult, error) {
	to := e.RecipientsFor(model.Alert{Persona: model.PersonaComplianceOfficer})
	msg := e.message(to, digestSubject(alerts), digestBody(alerts))
	return e.retry.deliver(ctx, e.cfg.Name, e.now, func(ctx context.Context) error {
		return e.send(ctx, to, msg)
	})
}

// send runs one SMTP transaction. net/smtp has no context support, so the
// call is abandoned (not interrupted) when ctx ends first.
func (e *EmailChannel) send(ctx context.Context, to []string, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.SMTPHost, strconv.Itoa(e.cfg.SMTPPort))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}
	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, e.cfg.From, to, msg) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *EmailChannel) message(to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(e.cfg.From))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(strings.Join(to, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", headerValue(subject)))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@accesswatch>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerValue replaces control characters with spaces so a value can never
// end its header line early.
func headerValue(v string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, v)
}
