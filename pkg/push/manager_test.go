package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds scripted frames to the read loop, then fails.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		frame := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return websocket.MessageText, frame, nil
	}
	c.mu.Unlock()

	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) SetReadLimit(n int64) {}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewManager(Config{
		URL:         "ws://localhost:0/push",
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: 3,
		DialTimeout: 50 * time.Millisecond,
	}, logger)
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if m.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %q, at %q", want, m.State())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestManager_DeliversFramesInOrder(t *testing.T) {
	m := newTestManager(t)
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		return &fakeConn{frames: [][]byte{[]byte("one"), []byte("two"), []byte("three")}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	for _, want := range []string{"one", "two", "three"} {
		select {
		case frame := <-m.Frames():
			assert.Equal(t, want, string(frame))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %q", want)
		}
	}
}

func TestManager_TerminalAfterExhaustedBudget(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	dials := 0
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	waitForState(t, m, StateMaxRetriesExceeded)
	assert.True(t, m.State().Terminal())

	// Initial attempt plus the full retry budget, then nothing more
	// without an explicit reconnect.
	mu.Lock()
	dialsAtTerminal := dials
	mu.Unlock()
	assert.Equal(t, 4, dialsAtTerminal)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, dialsAtTerminal, dials)
	mu.Unlock()
}

func TestManager_ReconnectResetsBudget(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	dials := 0
	failing := true
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials++
		fail := failing
		mu.Unlock()
		if fail {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	waitForState(t, m, StateMaxRetriesExceeded)

	mu.Lock()
	failing = false
	mu.Unlock()
	m.Reconnect()

	waitForState(t, m, StateConnected)
}

func TestManager_SuccessfulConnectResetsAttempts(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	dials := 0
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n < 3 {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	// Two failures stay inside the budget; the third dial lands.
	waitForState(t, m, StateConnected)
}

func TestManager_DisconnectIsTerminal(t *testing.T) {
	m := newTestManager(t)
	conn := &fakeConn{}
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		return conn, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	waitForState(t, m, StateConnected)

	m.Disconnect("user logout")

	assert.Equal(t, StateManualDisconnect, m.State())
	assert.True(t, m.State().Terminal())
	assert.True(t, conn.isClosed())
}

func TestManager_ConnectTwiceFails(t *testing.T) {
	m := newTestManager(t)
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		return &fakeConn{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	assert.Error(t, m.Connect(ctx))
}

func TestManager_StatusTransitionsSurfaced(t *testing.T) {
	m := newTestManager(t)
	m.SetDialFunc(func(ctx context.Context) (Conn, error) {
		return &fakeConn{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	defer m.Disconnect("test done")

	seen := map[State]bool{}
	deadline := time.After(time.Second)
	for !seen[StateConnected] {
		select {
		case s := <-m.Status():
			seen[s] = true
		case <-deadline:
			t.Fatal("never observed connected state")
		}
	}
	assert.True(t, seen[StateConnecting])
}
