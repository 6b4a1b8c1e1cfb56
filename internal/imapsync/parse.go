package imapsync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

const maxPartBytes int64 = 5 * 1024 * 1024

var htmlPolicy = bluemonday.UGCPolicy()

// Parsed is the normalized content of one RFC 822 message.
type Parsed struct {
	MessageID      string
	From           string
	To             []string
	Cc             []string
	Subject        string
	Date           time.Time
	Text           string
	HTML           string
	HasAttachments bool
}

// Parse reads raw with go-message. Addresses are lowercased and HTML is sanitized.
func Parse(raw []byte) (*Parsed, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty message source")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	p := &Parsed{}
	h := mr.Header
	p.MessageID, _ = h.MessageID()
	p.Subject, _ = h.Subject()
	p.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = strings.ToLower(from[0].Address)
	}
	p.To = addresses(h, "To")
	p.Cc = addresses(h, "Cc")

	var text, html []string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read part: %w", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
			if err != nil {
				return nil, fmt.Errorf("read inline part: %w", err)
			}
			switch strings.ToLower(contentType) {
			case "", "text/plain":
				if s := strings.TrimSpace(string(body)); s != "" {
					text = append(text, s)
				}
			case "text/html":
				if s := strings.TrimSpace(string(body)); s != "" {
					html = append(html, s)
				}
			default:
				// Inline images and other non-text parts count as attachments.
				p.HasAttachments = true
			}
		case *mail.AttachmentHeader:
			p.HasAttachments = true
		}
	}

	p.Text = strings.Join(text, "\n\n")
	if len(html) > 0 {
		p.HTML = htmlPolicy.Sanitize(strings.Join(html, "\n"))
	}
	return p, nil
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, strings.ToLower(a.Address))
		}
	}
	return out
}
