package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/osintflow/internal/correlation"
	"github.com/gyaneshwarpardhi/osintflow/internal/event"
)

func testEvent(t *testing.T) *event.Event {
	t.Helper()
	root := event.NewRoot("example.com")
	ev, err := event.New(event.TypeInternetName, "www.example.com", "seed", root)
	require.NoError(t, err)
	return ev
}

func TestFanout_DeliversToEveryListener(t *testing.T) {
	f := NewFanout(8, nil)
	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"a", "b"} {
		name := name
		f.Add(ListenerFunc{ID: name, Fn: func(_ context.Context, scanID string, _ *event.Event) error {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, "scan-1", scanID)
			got[name]++
			return nil
		}})
	}

	ev := testEvent(t)
	for i := 0; i < 3; i++ {
		f.Publish(context.Background(), "scan-1", ev)
	}
	f.Close()

	assert.Equal(t, map[string]int{"a": 3, "b": 3}, got)
}

func TestFanout_FullBufferDropsWithoutBlocking(t *testing.T) {
	f := NewFanout(1, nil)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	f.Add(ListenerFunc{ID: "slow", Fn: func(context.Context, string, *event.Event) error {
		started <- struct{}{}
		<-release
		return nil
	}})

	ev := testEvent(t)
	f.Publish(context.Background(), "s", ev)
	<-started

	done := make(chan struct{})
	go func() {
		f.Publish(context.Background(), "s", ev) // buffered
		f.Publish(context.Background(), "s", ev) // dropped for slow
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow listener")
	}

	assert.Equal(t, uint64(1), f.Dropped()["slow"])
	close(release)
	f.Close()
}

func TestFanout_ListenerErrorIsNotFatal(t *testing.T) {
	f := NewFanout(4, nil)
	calls := 0
	f.Add(ListenerFunc{ID: "broken", Fn: func(context.Context, string, *event.Event) error {
		calls++
		return errors.New("down")
	}})
	f.Publish(context.Background(), "s", testEvent(t))
	f.Publish(context.Background(), "s", testEvent(t))
	f.Close()
	assert.Equal(t, 2, calls)

	// Publishing after Close is a no-op.
	f.Publish(context.Background(), "s", testEvent(t))
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []*nats.Msg
	err  error
}

func (c *fakeConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func TestNATSPublisher_Notify(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "", nil)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	ev := testEvent(t)
	require.NoError(t, p.Notify(ctx, "scan-9", ev))
	require.Len(t, conn.msgs, 1)

	msg := conn.msgs[0]
	assert.Equal(t, "osintflow.scan-9.events", msg.Subject)
	assert.Equal(t, "scan-9", msg.Header.Get("x-scan-id"))
	assert.Equal(t, ev.Hash, msg.Header.Get("x-event-hash"))
	assert.Equal(t, event.TypeInternetName, msg.Header.Get("x-event-type"))
	assert.Equal(t, "seed", msg.Header.Get("x-module"))
	assert.Contains(t, propagation.HeaderCarrier(msg.Header).Get("traceparent"), "4bf92f3577b34da6a3ce929d0e0e4736")

	var decoded event.Event
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, ev.Data, decoded.Data)
	assert.Equal(t, ev.SourceHash, decoded.SourceHash)
}

func TestNATSPublisher_NotifyResultsAndErrors(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "recon", nil)

	results := []correlation.Result{{ID: "r1", RuleID: "rule"}}
	require.NoError(t, p.NotifyResults(context.Background(), "s1", results))
	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "recon.s1.correlations", conn.msgs[0].Subject)
	assert.Equal(t, "1", conn.msgs[0].Header.Get("x-result-count"))

	conn.err = errors.New("nats: connection closed")
	err := p.Notify(context.Background(), "s1", testEvent(t))
	assert.ErrorContains(t, err, "recon.s1.events")
}
