// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TIFPoint Contributors

// Package notify delivers password reset tokens to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/samber/oops"

	"github.com/tifpoint/tifpoint/internal/auth"
)

// Defaults for Config.
const (
	DefaultExchange    = "tifpoint.notifications"
	DefaultRoutingKey  = "auth.password_reset"
	DefaultDialTimeout = 10 * time.Second
)

// Unconfigured is the notifier used when no broker URL is set.
type Unconfigured struct{}

// SendPasswordReset always reports auth.ErrDeliveryNotConfigured.
func (Unconfigured) SendPasswordReset(context.Context, auth.ResetMessage) error {
	return auth.ErrDeliveryNotConfigured
}

// Close is a no-op.
func (Unconfigured) Close() error { return nil }

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures an AMQP publisher.
type Config struct {
	URL         string
	Exchange    string
	RoutingKey  string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.RoutingKey == "" {
		c.RoutingKey = DefaultRoutingKey
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher publishes reset messages as JSON to a durable topic exchange.
type Publisher struct {
	cfg    Config
	closer func() error
	reopen func() (channel, error)

	mu sync.Mutex
	ch channel
}

// Compile-time interface check.
var _ auth.ResetNotifier = (*Publisher)(nil)

// Dial connects to the broker and declares the exchange.
func Dial(cfg Config) (*Publisher, error) {
	cfg = cfg.withDefaults()

	amqpURL, err := cleanURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(amqpURL, amqp.Config{Dial: amqp.DefaultDial(cfg.DialTimeout)})
	if err != nil {
		return nil, oops.Code("NOTIFY_DIAL_FAILED").Wrap(err)
	}
	reopen := func() (channel, error) {
		return conn.Channel()
	}

	p, err := newPublisher(cfg, reopen, conn.Close)
	if err != nil {
		_ = conn.Close() //nolint:errcheck // setup error takes precedence
		return nil, err
	}
	return p, nil
}

func newPublisher(cfg Config, reopen func() (channel, error), closer func() error) (*Publisher, error) {
	cfg = cfg.withDefaults()
	p := &Publisher{cfg: cfg, reopen: reopen, closer: closer}
	ch, err := p.open()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

func (p *Publisher) open() (channel, error) {
	ch, err := p.reopen()
	if err != nil {
		return nil, oops.Code("NOTIFY_CHANNEL_FAILED").Wrap(err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close() //nolint:errcheck // declare error takes precedence
		return nil, oops.Code("NOTIFY_DECLARE_FAILED").With("exchange", p.cfg.Exchange).Wrap(err)
	}
	return ch, nil
}

// SendPasswordReset publishes msg. A failed publish reopens the channel and
// retries once.
func (p *Publisher) SendPasswordReset(ctx context.Context, msg auth.ResetMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return oops.Code("NOTIFY_ENCODE_FAILED").Wrap(err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, publishing)
	if err == nil {
		return nil
	}
	p.cfg.Logger.WarnContext(ctx, "publish failed, reopening channel",
		"exchange", p.cfg.Exchange,
		"error", err.Error(),
	)

	ch, openErr := p.open()
	if openErr != nil {
		return oops.Code("NOTIFY_PUBLISH_FAILED").
			With("exchange", p.cfg.Exchange).
			With("reopen_error", openErr.Error()).
			Wrap(err)
	}
	_ = p.ch.Close() //nolint:errcheck // old channel is already broken
	p.ch = ch

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, publishing); err != nil {
		return oops.Code("NOTIFY_PUBLISH_FAILED").With("exchange", p.cfg.Exchange).Wrap(err)
	}
	return nil
}

// Close releases the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var chErr error
	if p.ch != nil {
		chErr = p.ch.Close()
		p.ch = nil
	}
	if p.closer != nil {
		if err := p.closer(); err != nil {
			return oops.Code("NOTIFY_CLOSE_FAILED").Wrap(err)
		}
	}
	if chErr != nil {
		return oops.Code("NOTIFY_CLOSE_FAILED").Wrap(chErr)
	}
	return nil
}

// cleanURL trims quotes and whitespace that often leak in from env files
// and requires an amqp or amqps scheme.
func cleanURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), `"'`)
	u, err := url.Parse(clean)
	if err != nil {
		return "", oops.Code("NOTIFY_INVALID_URL").Wrap(err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", oops.Code("NOTIFY_INVALID_URL").
			With("scheme", u.Scheme).
			Errorf("broker URL must use amqp:// or amqps://")
	}
	return clean, nil
}
