package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingChannel remembers every message and when it was posted.
type recordingChannel struct {
	mu    sync.Mutex
	msgs  []string
	times []time.Time
}

func (r *recordingChannel) Post(_ context.Context, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(msg))
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recordingChannel) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestPublisher_LeadingAndTrailingEdge(t *testing.T) {
	ch := &recordingChannel{}
	p := NewPublisher(ch, 100*time.Millisecond, nil)
	defer p.Close()

	start := time.Now()
	p.Publish("A")
	p.Publish("B")

	assert.Equal(t, []string{`"A"`}, ch.sent(), "A goes out immediately")

	require.Eventually(t, func() bool { return len(ch.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`"A"`, `"B"`}, ch.sent())

	ch.mu.Lock()
	trailing := ch.times[1].Sub(start)
	ch.mu.Unlock()
	assert.GreaterOrEqual(t, trailing, 90*time.Millisecond, "B waits for the rest of the window")

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, ch.sent(), 2, "no extra sends")
}

func TestPublisher_OnlyLatestPendingSurvives(t *testing.T) {
	ch := &recordingChannel{}
	p := NewPublisher(ch, 80*time.Millisecond, nil)
	defer p.Close()

	p.Publish("A")
	p.Publish("B")
	p.Publish("C")
	p.Publish("D")

	require.Eventually(t, func() bool { return len(ch.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []string{`"A"`, `"D"`}, ch.sent())
}

func TestPublisher_NewWindowSendsImmediately(t *testing.T) {
	ch := &recordingChannel{}
	p := NewPublisher(ch, 30*time.Millisecond, nil)
	defer p.Close()

	p.Publish("A")
	time.Sleep(50 * time.Millisecond)
	p.Publish("B")

	assert.Equal(t, []string{`"A"`, `"B"`}, ch.sent())
}

func TestPublisher_CloseCancelsTrailing(t *testing.T) {
	ch := &recordingChannel{}
	p := NewPublisher(ch, 50*time.Millisecond, nil)

	p.Publish("A")
	p.Publish("B")
	p.Close()
	p.Publish("C")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{`"A"`}, ch.sent())
}

// stalledChannel blocks every Post until its context ends.
type stalledChannel struct{}

func (stalledChannel) Post(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublisher_StalledChannelDoesNotBlockPublish(t *testing.T) {
	p := NewPublisher(stalledChannel{}, 50*time.Millisecond, nil)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		p.Publish("A")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled channel")
	}
}

func TestPublisher_NilChannelIsNoop(t *testing.T) {
	p := NewPublisher(nil, 0, nil)
	assert.NotPanics(t, func() {
		p.Publish(map[string]string{"type": "lock"})
		p.Close()
	})

	var nilPub *Publisher
	assert.NotPanics(t, func() { nilPub.Publish("x") })
}

func TestHub_DeliversToOtherEndpointsOnly(t *testing.T) {
	hub := NewHub()
	a, b, c := hub.Endpoint(), hub.Endpoint(), hub.Endpoint()

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(name string) func([]byte) {
		return func(msg []byte) {
			mu.Lock()
			got[name] = append(got[name], string(msg))
			mu.Unlock()
		}
	}
	a.Subscribe(record("a"))
	b.Subscribe(record("b"))
	cancelC := c.Subscribe(record("c"))
	cancelC()

	require.NoError(t, a.Post(context.Background(), []byte("one")))
	require.NoError(t, a.Post(context.Background(), []byte("two")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["b"]) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, got["a"], "sender does not hear itself")
	assert.Empty(t, got["c"], "cancelled subscription hears nothing")
	assert.Equal(t, []string{"one", "two"}, got["b"])
}

func TestEndpoint_PostAfterClose(t *testing.T) {
	e := NewHub().Endpoint()
	e.Close()
	assert.ErrorIs(t, e.Post(context.Background(), []byte("x")), ErrClosed)
}

// newRelay starts a websocket server that forwards every message from one
// connection to all the others.
func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	var (
		mu    sync.Mutex
		conns = map[*websocket.Conn]struct{}{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()
		defer func() {
			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
		for {
			typ, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			for other := range conns {
				if other != conn {
					_ = other.Write(context.Background(), typ, data)
				}
			}
			mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWSChannel_RelaysBetweenProcesses(t *testing.T) {
	srv := newRelay(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := DialWS(ctx, url, "tok", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := DialWS(ctx, url, "tok", nil)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan map[string]string, 1)
	b.Subscribe(func(msg []byte) {
		var m map[string]string
		if json.Unmarshal(msg, &m) == nil {
			select {
			case received <- m:
			default:
			}
		}
	})

	// The relay registers connections asynchronously; keep publishing until b hears it.
	p := NewPublisher(a, 10*time.Millisecond, nil)
	defer p.Close()
	deadline := time.After(3 * time.Second)
	for {
		p.Publish(map[string]string{"type": "lock", "tabId": "t1"})
		select {
		case m := <-received:
			assert.Equal(t, "t1", m["tabId"])
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("message was not relayed")
		}
	}
}

func TestDialWS_Unauthorized(t *testing.T) {
	srv := newRelay(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := DialWS(context.Background(), url, "wrong", nil)
	assert.Error(t, err)
}
