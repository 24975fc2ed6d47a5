// Package sshtransport implements transport.Session over golang.org/x/crypto/ssh.
// One Client wraps one TCP connection; every Run opens a fresh SSH session on it.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/rdeploy/internal/lg"
	"github.com/andrej220/rdeploy/pkg/transport"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxOutput      = 8 << 20
	closeGrace            = 5 * time.Second
)

var _ transport.Session = (*Client)(nil)

// Config describes how to reach and authenticate against one host.
type Config struct {
	Host            string
	Port            int
	User            string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	// DialBackoff paces dial retries. Nil means DefaultDialBackoff.
	DialBackoff backoff.BackOff
	// Breaker guards session opening. Zero value means DefaultBreakerSettings.
	Breaker gobreaker.Settings
	// MaxOutput bounds the bytes kept per stream and command.
	MaxOutput int
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// DefaultDialBackoff retries a refused or dropped dial for up to 30 seconds.
func DefaultDialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 30 * time.Second
	b.Reset()
	return b
}

func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
}

// Client is an authenticated SSH connection.
type Client struct {
	addr      string
	conn      *ssh.Client
	cb        *gobreaker.CircuitBreaker
	maxOutput int
	logger    lg.Logger

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Dial connects and authenticates, retrying network failures with backoff.
// Authentication and host key failures are not retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, &transport.Error{Op: "dial", Err: errors.New("host is required")}
	}
	if cfg.HostKeyCallback == nil {
		return nil, &transport.Error{Op: "dial", Addr: cfg.addr(), Err: errors.New("host key callback is required")}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	b := cfg.DialBackoff
	if b == nil {
		b = DefaultDialBackoff()
	}
	settings := cfg.Breaker
	if settings.Name == "" {
		settings = DefaultBreakerSettings("ssh-session")
	}

	addr := cfg.addr()
	logger := lg.FromContext(ctx).With(lg.String("addr", addr))
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.Auth,
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}

	var conn *ssh.Client
	operation := func() error {
		c, err := dialOnce(ctx, addr, clientConfig)
		if err != nil {
			if isPermanentDialError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("ssh dial failed, retrying", lg.Err(err), lg.Duration("next", next))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, &transport.Error{Op: "dial", Addr: addr, Err: err}
	}
	logger.Info("ssh connection established", lg.String("user", cfg.User))

	return &Client{
		addr:      addr,
		conn:      conn,
		cb:        gobreaker.NewCircuitBreaker(settings),
		maxOutput: cfg.MaxOutput,
		logger:    logger,
		closed:    make(chan struct{}),
	}, nil
}

func dialOnce(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if config.Timeout > 0 {
		_ = nc.SetDeadline(time.Now().Add(config.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, addr, config)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func isPermanentDialError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "knownhosts:") ||
		strings.Contains(msg, "host key")
}

// Addr returns host:port of the remote side.
func (c *Client) Addr() string { return c.addr }

// Close tears down the connection. Any in-flight Run fails with a transport error.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
