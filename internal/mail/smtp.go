package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/znz-systems/mailpipe/internal/outbox"
)

// smtpSubmit runs one SMTP transaction. Tests replace it.
var smtpSubmit = submit

// SMTPTransport delivers outbox mail through a single relay.
type SMTPTransport struct {
	relay relay
	user  string
	pass  string
	now   func() time.Time
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	// ImplicitTLS dials TLS directly (port 465) instead of upgrading with STARTTLS.
	ImplicitTLS bool
	// Timeout bounds the dial and each SMTP command. Defaults to 30s.
	Timeout time.Duration
}

type relay struct {
	addr        string
	host        string
	implicitTLS bool
	timeout     time.Duration
}

func NewSMTPTransport(cfg SMTPConfig) *SMTPTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{
		relay: relay{
			addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			host:        cfg.Host,
			implicitTLS: cfg.ImplicitTLS,
			timeout:     timeout,
		},
		user: cfg.User,
		pass: cfg.Password,
		now:  time.Now,
	}
}

// Send composes m as a MIME message and hands it to the relay. The returned
// reference is the generated Message-ID without angle brackets.
func (c *SMTPTransport) Send(ctx context.Context, m outbox.Mail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if (c.user == "") != (c.pass == "") {
		return "", errors.New("smtp credentials are incomplete: both user and password are required")
	}

	raw, messageID, err := Compose(m, c.now())
	if err != nil {
		return "", err
	}

	var auth sasl.Client
	if c.user != "" {
		auth = sasl.NewPlainClient("", c.user, c.pass)
	}

	rcpt := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	rcpt = append(rcpt, m.To...)
	rcpt = append(rcpt, m.Cc...)
	rcpt = append(rcpt, m.Bcc...)

	if err := smtpSubmit(ctx, c.relay, auth, m.FromAddress, rcpt, raw); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}

	slog.InfoContext(ctx, "smtp message delivered", "message_id", messageID, "recipients", len(rcpt))
	return messageID, nil
}

// submit dials the relay, upgrades to TLS and sends raw. Cancelling ctx
// closes the connection, which unblocks whatever command is in flight.
func submit(ctx context.Context, r relay, auth sasl.Client, from string, rcpt []string, raw []byte) (err error) {
	nd := &net.Dialer{Timeout: r.timeout}
	tlsCfg := &tls.Config{ServerName: r.host}

	var conn net.Conn
	if r.implicitTLS {
		conn, err = (&tls.Dialer{NetDialer: nd, Config: tlsCfg}).DialContext(ctx, "tcp", r.addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", r.addr)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", r.addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}()

	// The greeting and EHLO happen before the client exists to carry a
	// command timeout, so they get a connection deadline instead.
	conn.SetDeadline(time.Now().Add(r.timeout))

	var client *smtp.Client
	if r.implicitTLS {
		client = smtp.NewClient(conn)
	} else {
		client, err = smtp.NewClientStartTLS(conn, tlsCfg)
		if err != nil {
			conn.Close()
			return fmt.Errorf("starttls: %w", err)
		}
	}
	defer client.Close()
	conn.SetDeadline(time.Time{})
	client.CommandTimeout = r.timeout
	client.SubmissionTimeout = r.timeout

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, to := range rcpt {
		if err := client.Rcpt(to, nil); err != nil {
			return fmt.Errorf("rcpt to %s: %w", to, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	// The relay has accepted the message at this point.
	if qerr := client.Quit(); qerr != nil {
		slog.Debug("smtp quit failed", "error", qerr)
	}
	return nil
}

// Compose renders m as multipart/alternative. Bcc recipients are never written to headers.
func Compose(m outbox.Mail, date time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: m.FromName, Address: m.FromAddress}})
	if len(m.To) > 0 {
		h.SetAddressList("To", addressList(m.To))
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", addressList(m.Cc))
	}
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generating message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("reading message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("creating mail writer: %w", err)
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", fmt.Errorf("creating inline writer: %w", err)
	}

	text := m.Text
	if text == "" && m.HTML == "" {
		text = " "
	}
	if text != "" {
		if err := writePart(tw, "text/plain", text); err != nil {
			return nil, "", err
		}
	}
	if m.HTML != "" {
		if err := writePart(tw, "text/html", m.HTML); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing inline writer: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("closing mail writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func writePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("writing %s part: %w", contentType, err)
	}
	return w.Close()
}

func addressList(in []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(in))
	for _, a := range in {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
