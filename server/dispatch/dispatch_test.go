package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medora-ai/medora/config"
	"github.com/medora-ai/medora/server/metrics"
	"github.com/medora-ai/medora/server/upstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// collector is a Sink that keeps every outcome.
type collector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *collector) Deliver(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func (c *collector) all() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

func echo(ctx context.Context, message, imageURL string) upstream.Result {
	return upstream.Success("re: " + message)
}

func newDispatcher(t *testing.T, workers, queueSize int, c Completer, sink Sink) (*Dispatcher, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	d := New(config.DispatchConfig{Workers: workers, QueueSize: queueSize}, c, sink, zaptest.NewLogger(t), m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
		<-d.Done()
	})
	return d, m
}

func TestDispatcherRunsEveryTaskOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		mu.Lock()
		calls[message]++
		mu.Unlock()
		return upstream.Success("ok")
	})

	sink := &collector{}
	d, m := newDispatcher(t, 4, 100, completer, sink)

	for i := 0; i < 50; i++ {
		require.NoError(t, d.Submit(Task{SessionID: "s", Message: fmt.Sprintf("msg-%d", i)}))
	}

	require.NoError(t, d.Shutdown(context.Background()))

	assert.Len(t, calls, 50)
	for msg, n := range calls {
		assert.Equal(t, 1, n, "task %s ran %d times", msg, n)
	}

	outcomes := sink.all()
	require.Len(t, outcomes, 50)
	for _, o := range outcomes {
		assert.NotEmpty(t, o.Task.ID)
		assert.True(t, o.Result.OK())
	}

	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, d.InFlight())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.DispatchQueued))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.DispatchActive))
}

func TestDispatcherRejectsBeyondBacklog(t *testing.T) {
	release := make(chan struct{})
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		<-release
		return upstream.Success("done")
	})

	sink := &collector{}
	d, m := newDispatcher(t, 1, 2, completer, sink)

	require.NoError(t, d.Submit(Task{Message: "running"}))
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Submit(Task{Message: "queued-1"}))
	require.NoError(t, d.Submit(Task{Message: "queued-2"}))
	assert.ErrorIs(t, d.Submit(Task{Message: "overflow"}), ErrQueueFull)

	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.DispatchQueued))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DispatchActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeferredTasks.WithLabelValues("rejected")))

	close(release)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.Len(t, sink.all(), 3)
}

func TestDispatcherRunsInFIFOOrder(t *testing.T) {
	release := make(chan struct{})
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		if message == "first" {
			<-release
		}
		return upstream.Success(message)
	})

	sink := &collector{}
	d, _ := newDispatcher(t, 1, 10, completer, sink)

	require.NoError(t, d.Submit(Task{Message: "first"}))
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, 5*time.Millisecond)
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, d.Submit(Task{Message: msg}))
	}
	close(release)
	require.NoError(t, d.Shutdown(context.Background()))

	var order []string
	for _, o := range sink.all() {
		order = append(order, o.Task.Message)
	}
	assert.Equal(t, []string{"first", "a", "b", "c"}, order)
}

func TestDispatcherSubmitAfterShutdown(t *testing.T) {
	d, m := newDispatcher(t, 1, 1, CompleterFunc(echo), &collector{})

	require.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Submit(Task{Message: "late"}), ErrClosed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeferredTasks.WithLabelValues("rejected")))

	select {
	case <-d.Done():
	default:
		t.Fatal("workers should have exited")
	}
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		time.Sleep(20 * time.Millisecond)
		return upstream.Success(message)
	})

	sink := &collector{}
	d, _ := newDispatcher(t, 2, 10, completer, sink)
	for i := 0; i < 6; i++ {
		require.NoError(t, d.Submit(Task{Message: fmt.Sprintf("m%d", i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Len(t, sink.all(), 6)
}

func TestDispatcherForcedShutdownCancelsTasks(t *testing.T) {
	started := make(chan struct{})
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		if message == "slow" {
			close(started)
		}
		<-ctx.Done()
		return upstream.Failure(upstream.KindTransport, upstream.TransportText("DeepSeek"), ctx.Err().Error())
	})

	sink := &collector{}
	d, m := newDispatcher(t, 1, 10, completer, sink)

	require.NoError(t, d.Submit(Task{Message: "slow"}))
	<-started
	require.NoError(t, d.Submit(Task{Message: "never-run"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after cancellation")
	}

	outcomes := sink.all()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "slow", outcomes[0].Task.Message)
	assert.Equal(t, upstream.KindTransport, outcomes[0].Result.Kind)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeferredTasks.WithLabelValues("dropped")))
}

func TestDispatcherIgnoresCallerContext(t *testing.T) {
	got := make(chan error, 1)
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		time.Sleep(20 * time.Millisecond)
		got <- ctx.Err()
		return upstream.Success("ok")
	})

	d, _ := newDispatcher(t, 1, 1, completer, &collector{})

	// Submit carries no context; the request that produced the task is
	// long gone by the time the worker runs it.
	require.NoError(t, d.Submit(Task{Message: "hello"}))
	assert.NoError(t, <-got)
}

func TestDispatcherRecoversFromPanics(t *testing.T) {
	completer := CompleterFunc(func(ctx context.Context, message, imageURL string) upstream.Result {
		if message == "boom" {
			panic("completer exploded")
		}
		return upstream.Success(message)
	})

	sink := &collector{}
	d, _ := newDispatcher(t, 1, 10, completer, sink)

	require.NoError(t, d.Submit(Task{Message: "boom"}))
	require.NoError(t, d.Submit(Task{Message: "after"}))
	require.NoError(t, d.Shutdown(context.Background()))

	outcomes := sink.all()
	require.Len(t, outcomes, 2)
	assert.Equal(t, upstream.KindUnexpected, outcomes[0].Result.Kind)
	assert.Equal(t, upstream.UnexpectedText, outcomes[0].Result.Text)
	assert.True(t, outcomes[1].Result.OK())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.NewMetrics()
	sink := NewLogSink(zap.New(core), m)

	sink.Deliver(Outcome{
		Task:   Task{ID: "t1", SessionID: "abc"},
		Result: upstream.Success("Drink water."),
	})
	failed := upstream.Failure(upstream.KindProtocol, upstream.ProtocolText("DeepSeek", 503), "busy")
	sink.Deliver(Outcome{Task: Task{ID: "t2", SessionID: "abc"}, Result: failed})

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "Drink water.", entries[0].ContextMap()["response"])
	assert.Equal(t, "abc", entries[0].ContextMap()["session_id"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "Error connecting to DeepSeek API: 503", entries[1].ContextMap()["fallback"])
	assert.Equal(t, "busy", entries[1].ContextMap()["reason"])

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeferredTasks.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeferredTasks.WithLabelValues("protocol")))
}
