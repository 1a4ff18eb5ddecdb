package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketsync/internal/types"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	sent       []string
	readCode   int
	closedWith int
	failWrite  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), done: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.done:
		f.mu.Lock()
		code := f.readCode
		f.mu.Unlock()
		return nil, &types.TransportError{Op: "read", Code: code, Err: errors.New("closed")}
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return &types.TransportError{Op: "send", Err: errors.New("broken pipe")}
	}
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	if f.closedWith == 0 {
		f.closedWith = code
	}
	if f.readCode == 0 {
		f.readCode = 1006
	}
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

// Drop simulates the peer closing with code
func (f *fakeTransport) Drop(code int) {
	f.mu.Lock()
	f.readCode = code
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeTransport) Push(frame string) {
	f.in <- []byte(frame)
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeTransport) ClosedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closedWith
}

type fakeDialer struct {
	mu         sync.Mutex
	failures   int // next N dials fail
	failWrites bool
	dials      int
	conns      chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, &types.TransportError{Op: "dial", Err: errors.New("connection refused")}
	}
	t := newFakeTransport()
	t.failWrite = d.failWrites
	d.conns <- t
	return t, nil
}

func (d *fakeDialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no transport dialed")
		return nil
	}
}
