package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errWriteFailed = errors.New("write failed")

// fakeConn is an in-memory Conn. Frames pushed with send are returned by
// ReadText; frames written by the gateway are recorded.
type fakeConn struct {
	in   chan []byte
	done chan struct{}

	mu          sync.Mutex
	writes      [][]byte
	failFrom    int // writes with index >= failFrom fail; 0 disables
	closeCode   int
	closeReason string
	once        sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), done: make(chan struct{})}
}

func (c *fakeConn) send(data string) { c.in <- []byte(data) }

func (c *fakeConn) ReadText(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteText(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.Open() {
		return ErrClosed
	}
	if c.failFrom > 0 && len(c.writes) >= c.failFrom {
		return errWriteFailed
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) closedWith() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("station-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func hello(t *testing.T, sub string) string {
	return `{"type":"hello","token":"` + token(t, jwt.MapClaims{"sub": sub}) + `"}`
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
