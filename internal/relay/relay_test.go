package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuadDarv1ne/MTProxy-sub003/internal/bufpool"
	"github.com/QuadDarv1ne/MTProxy-sub003/internal/connpool"
)

func testPools(t *testing.T) (*connpool.Pool, *bufpool.Manager) {
	t.Helper()
	pool, err := connpool.New(connpool.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	buffers, err := bufpool.New(bufpool.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		buffers.Cleanup()
	})
	return pool, buffers
}

// startEchoBackend runs a TCP echo server and returns its address. Backend
// connections stay open across proxy sessions, which is what makes pooling
// observable.
func startEchoBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSettleBackendDonatesCleanConnection(t *testing.T) {
	pool, buffers := testPools(t)
	r := New(Config{BackendAddr: "127.0.0.1:1", MaxSessions: 1, AcceptRate: 1}, pool, buffers, zerolog.Nop())

	c, s := net.Pipe()
	defer s.Close()
	h := NewConnHandle(c)

	r.settleBackend(h, false)

	assert.Equal(t, 1, pool.Stats().IdleCount)
	assert.Equal(t, int32(1), h.Refs(), "pool holds the single remaining reference")
}

func TestSettleBackendClosesFailedConnection(t *testing.T) {
	pool, buffers := testPools(t)
	r := New(Config{BackendAddr: "127.0.0.1:1", MaxSessions: 1, AcceptRate: 1}, pool, buffers, zerolog.Nop())

	c, s := net.Pipe()
	defer s.Close()
	h := NewConnHandle(c)
	h.MarkFailed()

	r.settleBackend(h, false)

	assert.Equal(t, 0, pool.Stats().IdleCount)
	assert.Equal(t, int32(0), h.Refs(), "failed fresh connections are closed, not pooled")
}

func TestSettleBackendReturnsBorrowedConnection(t *testing.T) {
	pool, buffers := testPools(t)
	r := New(Config{BackendAddr: "127.0.0.1:1", MaxSessions: 1, AcceptRate: 1}, pool, buffers, zerolog.Nop())

	c, s := net.Pipe()
	defer s.Close()
	h := NewConnHandle(c)

	require.NoError(t, pool.Release(h, connpool.Target("127.0.0.1:1")))
	got, err := pool.Acquire(connpool.Target("127.0.0.1:1"))
	require.NoError(t, err)
	require.Same(t, h, got)

	r.settleBackend(h, true)

	s2 := pool.Stats()
	assert.Equal(t, 0, s2.ActiveCount)
	assert.Equal(t, 1, s2.IdleCount)
}

func TestRelaySessionReusesBackendConnection(t *testing.T) {
	backendAddr := startEchoBackend(t)
	pool, buffers := testPools(t)

	r := New(Config{
		BackendAddr: backendAddr,
		MaxSessions: 8,
		AcceptRate:  100,
		AcceptBurst: 10,
		DialTimeout: 2 * time.Second,
	}, pool, buffers, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = r.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		ln.Close()
		<-serveDone
	}()

	roundTrip := func(payload string) {
		t.Helper()
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Write([]byte(payload))
		require.NoError(t, err)

		buf := make([]byte, len(payload))
		_, err = io.ReadFull(client, buf)
		require.NoError(t, err)
		assert.Equal(t, payload, string(buf))
	}

	roundTrip("first session")

	// The backend connection outlives the session and lands in the pool.
	require.Eventually(t, func() bool {
		return pool.Stats().IdleCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint64(1), pool.Stats().ConnectionsCreated)

	roundTrip("second session")

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.IdleCount == 1 && s.CacheHits == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), pool.Stats().ConnectionsCreated, "second session reused the pooled connection")

	// Pooled buffers were used and recycled by the pumps.
	bs := buffers.Stats()
	var reused, parked uint64
	for _, b := range bs.Buckets {
		reused += b.Reused
		parked += b.Deallocated
	}
	assert.Greater(t, parked, uint64(0), "pump buffers go back to their bucket")
	assert.Greater(t, reused, uint64(0), "the second session's pumps reuse parked buffers")
}

// A client waiting for server pushes sends nothing; when the backend closes,
// the session must still tear down and propagate the close to the client
// instead of pinning the goroutine and its semaphore slot.
func TestRelayPropagatesBackendClose(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { backendLn.Close() })
	go func() {
		for {
			conn, err := backendLn.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	pool, buffers := testPools(t)
	r := New(Config{
		BackendAddr: backendLn.Addr().String(),
		MaxSessions: 2,
		AcceptRate:  100,
		AcceptBurst: 10,
		DialTimeout: time.Second,
	}, pool, buffers, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = r.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		ln.Close()
		<-serveDone
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	// Guard deadline only; the close must arrive well before it.
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	start := time.Now()
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "backend close must unblock a quiet client")

	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(),
		"read ended by close propagation, not the guard deadline")

	// The dead backend connection must never land in the pool.
	assert.Never(t, func() bool {
		return pool.Stats().IdleCount > 0
	}, 300*time.Millisecond, 25*time.Millisecond)
}

func TestRelayRejectsWhenBackendDown(t *testing.T) {
	pool, buffers := testPools(t)

	// A loopback port nothing listens on: dials fail fast.
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := deadLn.Addr().String()
	deadLn.Close()

	r := New(Config{
		BackendAddr: deadAddr,
		MaxSessions: 2,
		AcceptRate:  100,
		AcceptBurst: 10,
		DialTimeout: time.Second,
	}, pool, buffers, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		_ = r.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		ln.Close()
		<-serveDone
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	// The session ends without relaying anything.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err)

	assert.Zero(t, pool.Stats().IdleCount)
}
