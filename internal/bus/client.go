// Package bus wraps the NATS connection used to mirror call events and
// exchange audio frames with external feeders.
package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-telephony/internal/config"
	"github.com/loqalabs/loqa-telephony/internal/faults"
)

// Client wraps a NATS connection with the small helper surface the
// telephony pipeline needs.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials NATS with exponential backoff until cfg.MaxRetryTime
// elapses.
func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-telephony"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = time.Duration(cfg.MaxRetryTime) * time.Millisecond

	var conn *nats.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = nats.Connect(url, options...)
		if dialErr != nil {
			log.Warn("NATS connect attempt failed", slog.String("error", dialErr.Error()))
		}
		return dialErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))
	return &Client{conn: conn, log: log}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Publish sends a message; fire-and-forget.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w: %w", subject, faults.ErrTransientIO, err)
	}
	return nil
}

// Subscribe registers an async handler for a subject.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
