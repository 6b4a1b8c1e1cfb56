package imapsync

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// ErrMailboxNotFound is returned by Mailbox.Select when the server refuses the name.
var ErrMailboxNotFound = errors.New("mailbox not found")

// AuthError reports rejected credentials. It is never retried.
type AuthError struct {
	Address string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap authentication failed for %s, check the mailbox password: %v", e.Address, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Credential is a decrypted mailbox login. It lives for one sync call.
type Credential struct {
	Address  string
	Password string
}

// LogValue keeps the password out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.Address)
}

// FetchedMessage is one message from the fetch window.
type FetchedMessage struct {
	SeqNum    uint32
	UID       uint32
	MessageID string
	Seen      bool
	Flagged   bool
	Raw       []byte
}

// Mailbox is one authenticated connection.
type Mailbox interface {
	ListFolders(ctx context.Context) ([]string, error)
	// Select opens name and returns its message count.
	Select(ctx context.Context, name string) (uint32, error)
	// Fetch returns messages with sequence numbers in [from, to].
	Fetch(ctx context.Context, from, to uint32) ([]FetchedMessage, error)
	// Close logs out and releases the connection.
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Mailbox, error)
}

type DialerConfig struct {
	Host    string
	Port    int
	TLS     bool
	Timeout time.Duration
}

// IMAPDialer connects with go-imap. Every command runs under Timeout.
type IMAPDialer struct {
	cfg DialerConfig
}

func NewIMAPDialer(cfg DialerConfig) *IMAPDialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &IMAPDialer{cfg: cfg}
}

func (d *IMAPDialer) Dial(ctx context.Context, cred Credential) (Mailbox, error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	nd := &net.Dialer{Timeout: d.cfg.Timeout}

	var conn net.Conn
	var err error
	if d.cfg.TLS {
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: d.cfg.Host}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}

	mb := &imapMailbox{conn: conn, timeout: d.cfg.Timeout}
	mb.stop = context.AfterFunc(ctx, func() { conn.Close() })
	mb.client = imapclient.New(conn, nil)

	mb.deadline()
	if err := mb.client.WaitGreeting(); err != nil {
		mb.abort()
		return nil, fmt.Errorf("waiting for greeting: %w", err)
	}

	mb.deadline()
	if err := mb.client.Login(cred.Address, cred.Password).Wait(); err != nil {
		mb.abort()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &AuthError{Address: cred.Address, Err: err}
		}
		return nil, fmt.Errorf("login: %w", err)
	}
	return mb, nil
}

type imapMailbox struct {
	conn    net.Conn
	client  *imapclient.Client
	timeout time.Duration
	stop    func() bool
	once    sync.Once
}

func (m *imapMailbox) deadline() {
	_ = m.conn.SetDeadline(time.Now().Add(m.timeout))
}

func (m *imapMailbox) abort() {
	m.once.Do(func() {
		m.stop()
		m.client.Close()
	})
}

func (m *imapMailbox) ListFolders(ctx context.Context) ([]string, error) {
	m.deadline()
	data, err := m.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	names := make([]string, 0, len(data))
	for _, d := range data {
		names = append(names, d.Mailbox)
	}
	return names, nil
}

func (m *imapMailbox) Select(ctx context.Context, name string) (uint32, error) {
	m.deadline()
	data, err := m.client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return 0, fmt.Errorf("%w: %s: %v", ErrMailboxNotFound, name, err)
		}
		return 0, fmt.Errorf("select %s: %w", name, err)
	}
	return data.NumMessages, nil
}

func (m *imapMailbox) Fetch(ctx context.Context, from, to uint32) ([]FetchedMessage, error) {
	var seq imap.SeqSet
	seq.AddRange(from, to)
	section := &imap.FetchItemBodySection{Peek: true}
	opts := &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	m.deadline()
	bufs, err := m.client.Fetch(seq, opts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d:%d: %w", from, to, err)
	}

	out := make([]FetchedMessage, 0, len(bufs))
	for _, b := range bufs {
		fm := FetchedMessage{
			SeqNum: b.SeqNum,
			UID:    uint32(b.UID),
			Raw:    b.FindBodySection(section),
		}
		if b.Envelope != nil {
			fm.MessageID = b.Envelope.MessageID
		}
		for _, f := range b.Flags {
			switch f {
			case imap.FlagSeen:
				fm.Seen = true
			case imap.FlagFlagged:
				fm.Flagged = true
			}
		}
		out = append(out, fm)
	}
	return out, nil
}

func (m *imapMailbox) Close() error {
	var err error
	m.once.Do(func() {
		m.deadline()
		err = m.client.Logout().Wait()
		m.stop()
		if cerr := m.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
