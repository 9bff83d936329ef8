// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// InvalidateAll is emitted after the listener reconnects. Notifications sent
// while it was disconnected are lost, so consumers must drop everything.
const InvalidateAll = "*"

const (
	defaultListenerRetryBase = 100 * time.Millisecond
	defaultListenerRetryMax  = 30 * time.Second
)

// notificationConn is the subset of *pgx.Conn the listener uses.
type notificationConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type connector func(ctx context.Context, connString string) (notificationConn, error)

func pgxConnect(ctx context.Context, connString string) (notificationConn, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by caller
	}
	return conn, nil
}

// PgListener streams grants_changed payloads from a dedicated connection.
// The connection must not come from a pool: LISTEN is session state.
type PgListener struct {
	connString string
	connect    connector
	backoff    func() retry.Backoff
	logger     *slog.Logger
}

// ListenerOption configures a PgListener.
type ListenerOption func(*PgListener)

// WithListenerBackoff sets the reconnect backoff.
func WithListenerBackoff(fn func() retry.Backoff) ListenerOption {
	return func(l *PgListener) { l.backoff = fn }
}

// WithListenerLogger sets the logger used for reconnect diagnostics.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *PgListener) { l.logger = logger }
}

// NewPgListener creates a listener for connString.
func NewPgListener(connString string, opts ...ListenerOption) *PgListener {
	l := &PgListener{
		connString: connString,
		connect:    pgxConnect,
		backoff: func() retry.Backoff {
			return retry.WithCappedDuration(defaultListenerRetryMax, retry.NewExponential(defaultListenerRetryBase))
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Listen subscribes and returns a channel of server IDs. The first connection
// is made synchronously so configuration errors surface to the caller. The
// channel closes when ctx is cancelled.
func (l *PgListener) Listen(ctx context.Context) (<-chan string, error) {
	conn, err := l.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	ch := make(chan string, 16)
	go l.run(ctx, conn, ch)
	return ch, nil
}

func (l *PgListener) subscribe(ctx context.Context) (notificationConn, error) {
	conn, err := l.connect(ctx, l.connString)
	if err != nil {
		return nil, oops.Code("LISTENER_CONNECT_FAILED").With("channel", NotifyChannel).Wrap(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		_ = conn.Close(ctx) //nolint:errcheck // subscribe error takes precedence
		return nil, oops.Code("LISTENER_CONNECT_FAILED").With("channel", NotifyChannel).Wrap(err)
	}
	return conn, nil
}

func (l *PgListener) run(ctx context.Context, conn notificationConn, ch chan<- string) {
	defer close(ch)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck // shutting down
		}
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err == nil {
			if !send(ctx, ch, n.Payload) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		l.logger.WarnContext(ctx, "grants listener lost connection, reconnecting", "error", err)
		_ = conn.Close(ctx) //nolint:errcheck // connection already broken
		conn = nil

		err = retry.Do(ctx, l.backoff(), func(ctx context.Context) error {
			c, err := l.subscribe(ctx)
			if err != nil {
				return retry.RetryableError(err)
			}
			conn = c
			return nil
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				l.logger.ErrorContext(ctx, "grants listener gave up reconnecting", "error", err)
			}
			return
		}
		l.logger.InfoContext(ctx, "grants listener reconnected")
		if !send(ctx, ch, InvalidateAll) {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- string, payload string) bool {
	select {
	case ch <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}
