// Package mailbox is the transport layer: a thin, XOAUTH2-only IMAP client
// wrapper plus the Source/Destination Client contracts the route runner
// consumes. It carries no message-management surface (flags, copy, delete);
// a one-way byte-copy replicator only reads, searches, fetches, and appends.
package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/logging"
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation, since go-imap v2 does not enforce per-op timeouts itself.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// SecurityType is the connection security method.
type SecurityType string

const (
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// ClientConfig configures a single IMAP connection.
type ClientConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string

	// AccessToken is the OAuth2 bearer token presented via XOAUTH2. This
	// transport has no other auth mode: both providers in scope are
	// OAuth2-only.
	AccessToken string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns the conventional defaults: TLS on 993, a 30s
// connect/write timeout, and a generous read timeout for large fetches.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute,
		WriteTimeout:   30 * time.Second,
	}
}

// Client wraps the go-imap client with the operations the Source/Destination
// contracts need.
type Client struct {
	config ClientConfig
	client *imapclient.Client
	caps   imap.CapSet
	log    zerolog.Logger
}

// NewClient creates a Client but does not connect.
func NewClient(config ClientConfig) *Client {
	return &Client{config: config, log: logging.WithComponent("mailbox")}
}

// Connect dials the server and waits for the greeting. It does not log in.
func (c *Client) Connect() error {
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	c.log.Debug().Str("host", c.config.Host).Int("port", c.config.Port).Msg("connecting to IMAP server")

	dialer := &net.Dialer{Timeout: c.config.ConnectTimeout}
	options := &imapclient.Options{}

	switch c.config.Security {
	case SecurityStartTLS:
		var err error
		c.client, err = imapclient.DialStartTLS(addr, options)
		if err != nil {
			return fmt.Errorf("connect with starttls: %w", err)
		}
	default:
		tlsConfig := &tls.Config{ServerName: c.config.Host}
		rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("connect with tls: %w", err)
		}
		wrapped := &deadlineConn{Conn: rawConn, readTimeout: c.config.ReadTimeout, writeTimeout: c.config.WriteTimeout}
		c.client = imapclient.New(wrapped, options)
	}

	if err := c.client.WaitGreeting(); err != nil {
		c.client.Close()
		return fmt.Errorf("receive greeting: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

// Login authenticates via XOAUTH2 SASL.
func (c *Client) Login() error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if c.config.AccessToken == "" {
		return fmt.Errorf("oauth2 login requires an access token")
	}
	saslClient := NewXOAuth2Client(c.config.Username, c.config.AccessToken)
	if err := c.client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("xoauth2 authentication failed: %w", err)
	}
	c.caps = c.client.Caps()
	return nil
}

// Close logs out and closes the connection, best-effort and idempotent.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Logout().Wait(); err != nil {
		c.log.Warn().Err(err).Msg("logout failed, closing anyway")
	}
	return c.client.Close()
}

// ForceClose closes the underlying connection without attempting logout,
// used when the session is known to already be broken.
func (c *Client) ForceClose() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// HasCap reports whether the server advertised cap.
func (c *Client) HasCap(cap imap.Cap) bool {
	return c.caps.Has(cap)
}

// selectMailbox selects name (read-write or read-only) with context
// cancellation, since Wait() otherwise blocks indefinitely.
func (c *Client) selectMailbox(ctx context.Context, name string, readOnly bool) (*imap.SelectData, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	type result struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		var options *imap.SelectOptions
		if readOnly {
			options = &imap.SelectOptions{ReadOnly: true}
		}
		data, err := c.client.Select(name, options).Wait()
		resultCh <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("select %q: %w", name, r.err)
		}
		return r.data, nil
	}
}

// createMailbox issues CREATE for name.
func (c *Client) createMailbox(ctx context.Context, name string) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	type result struct{ err error }
	resultCh := make(chan result, 1)
	go func() {
		err := c.client.Create(name, nil).Wait()
		resultCh <- result{err}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-resultCh:
		return r.err
	}
}
