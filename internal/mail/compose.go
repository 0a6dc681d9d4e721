package mail

import (
	"bytes"
	"fmt"
	"io"
	"time"

	gomail "github.com/emersion/go-message/mail"
)

// compose builds a multipart/alternative RFC 5322 message and returns the raw
// bytes together with the generated Message-ID.
func compose(msg Message, now time.Time) ([]byte, string, error) {
	from, err := gomail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}

	to := make([]*gomail.Address, 0, len(msg.To))
	for _, addr := range msg.To {
		a, err := gomail.ParseAddress(addr)
		if err != nil {
			return nil, "", fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
		to = append(to, a)
	}
	if len(to) == 0 {
		return nil, "", fmt.Errorf("message has no recipients")
	}

	var h gomail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*gomail.Address{from})
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	setPriority(&h, msg.Priority)

	id, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create mime writer: %w", err)
	}
	if err := writePart(w, "text/plain", msg.Text); err != nil {
		return nil, "", err
	}
	if err := writePart(w, "text/html", msg.HTML); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close mime writer: %w", err)
	}

	return buf.Bytes(), id, nil
}

func writePart(w *gomail.InlineWriter, contentType, body string) error {
	var ph gomail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	pw, err := w.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return pw.Close()
}

func setPriority(h *gomail.Header, p Priority) {
	switch p {
	case PriorityHigh:
		h.Set("X-Priority", "1")
		h.Set("Importance", "high")
	case PriorityLow:
		h.Set("X-Priority", "5")
		h.Set("Importance", "low")
	default:
		h.Set("X-Priority", "3")
		h.Set("Importance", "normal")
	}
}

func parseAddress(addr string) (string, error) {
	a, err := gomail.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}
