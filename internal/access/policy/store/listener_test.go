// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeConn replays queued notifications, then blocks until ctx ends or
// the test breaks the connection.
type fakeConn struct {
	mu      sync.Mutex
	queue   []string
	broken  chan struct{}
	execs   []string
	closed  bool
	execErr error
}

func newFakeConn(payloads ...string) *fakeConn {
	return &fakeConn{queue: payloads, broken: make(chan struct{})}
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("LISTEN"), c.execErr
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return &pgconn.Notification{Channel: NotifyChannel, Payload: p}, nil
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.broken:
		return nil, errors.New("connection reset by peer")
	}
}

func (c *fakeConn) Close(_ context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func fastBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
}

func listenerWith(conns ...*fakeConn) (*PgListener, *int) {
	var calls int
	l := NewPgListener("postgres://unused", WithListenerBackoff(fastBackoff))
	l.connect = func(_ context.Context, _ string) (notificationConn, error) {
		calls++
		if calls > len(conns) {
			return nil, errors.New("connection refused")
		}
		return conns[calls-1], nil
	}
	return l, &calls
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "channel closed early")
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func TestPgListener_DeliversPayloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn("s1", "s2")
	l, _ := listenerWith(conn)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := l.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", receive(t, ch))
	assert.Equal(t, "s2", receive(t, ch))

	cancel()
	for range ch {
	}
	assert.Equal(t, []string{"LISTEN " + NotifyChannel}, conn.execs)
	assert.True(t, conn.closed)
}

func TestPgListener_ReconnectEmitsInvalidateAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := newFakeConn("s1")
	second := newFakeConn("s3")
	l, calls := listenerWith(first, second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := l.Listen(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", receive(t, ch))

	close(first.broken)
	assert.Equal(t, InvalidateAll, receive(t, ch))
	assert.Equal(t, "s3", receive(t, ch))
	assert.Equal(t, 2, *calls)

	cancel()
	for range ch {
	}
}

func TestPgListener_ClosesChannelWhenReconnectFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn := newFakeConn()
	l, calls := listenerWith(conn)

	ch, err := l.Listen(context.Background())
	require.NoError(t, err)
	close(conn.broken)

	for range ch {
	}
	assert.Equal(t, 5, *calls, "one initial connect plus four attempts")
}

func TestPgListener_InitialConnectError(t *testing.T) {
	l, _ := listenerWith()
	_, err := l.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPgListener_ListenStatementError(t *testing.T) {
	conn := newFakeConn()
	conn.execErr = errors.New("permission denied")
	l, _ := listenerWith(conn)

	_, err := l.Listen(context.Background())
	require.Error(t, err)
	assert.True(t, conn.closed)
}
