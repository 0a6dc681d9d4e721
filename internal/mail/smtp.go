package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// SMTPTransport relays mail through an SMTP server. With Secure set the
// connection is TLS from the first byte (typically port 465); otherwise
// STARTTLS is used when the server offers it.
type SMTPTransport struct {
	cfg    SMTPConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewSMTPTransport(cfg SMTPConfig, logger *zap.Logger) (*SMTPTransport, error) {
	if cfg.Host == "" {
		return nil, &ConfigurationError{Provider: ProviderSMTP, Reason: "SMTP_HOST is required"}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &ConfigurationError{Provider: ProviderSMTP, Reason: fmt.Sprintf("invalid SMTP_PORT %d", cfg.Port)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, logger: logger, now: time.Now}, nil
}

func (t *SMTPTransport) addr() string {
	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

// Send composes msg and delivers it in a single SMTP session.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) (string, error) {
	raw, id, err := compose(msg, t.now())
	if err != nil {
		return "", err
	}

	conn, err := t.dial(ctx)
	if err != nil {
		return "", fmt.Errorf("smtp connect %s: %w", t.addr(), err)
	}

	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if !t.cfg.Secure {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: t.cfg.Host}); err != nil {
				return "", fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if t.cfg.Username != "" {
		auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(envelopeAddress(msg.From)); err != nil {
		return "", fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(envelopeAddress(rcpt)); err != nil {
			return "", fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		w.Close()
		return "", fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp end DATA: %w", err)
	}

	if err := c.Quit(); err != nil {
		t.logger.Debug("smtp quit failed", zap.Error(err))
	}

	t.logger.Debug("email relayed via smtp",
		zap.String("host", t.cfg.Host),
		zap.Strings("to", msg.To),
		zap.String("message_id", id),
	)
	return id, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.cfg.Timeout}
	if t.cfg.Secure {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: t.cfg.Host}}
		return td.DialContext(ctx, "tcp", t.addr())
	}
	return d.DialContext(ctx, "tcp", t.addr())
}

// envelopeAddress strips a display name so "Lab <a@b.c>" becomes "a@b.c".
func envelopeAddress(addr string) string {
	if a, err := parseAddress(addr); err == nil {
		return a
	}
	return addr
}
