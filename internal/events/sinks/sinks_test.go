package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnymr/PASS-ATS-sub004/internal/events"
	"github.com/vnymr/PASS-ATS-sub004/internal/publisher/memory"
)

func TestPrometheusSinkTracksAttempts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []events.Event{
		{RequestID: "r1", TS: now, Stage: events.StageAttemptStart, Attempt: 1},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptStart, Attempt: 1},
		{RequestID: "r2", TS: now, Stage: events.StageAttemptStart, Attempt: 1},
		{RequestID: "r1", TS: now, Stage: events.StageState, State: "FORM_EXTRACTED"},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptDone, Cost: 0.003},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 3.0, testutil.ToFloat64(sink.events.WithLabelValues(string(events.StageAttemptStart))))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.inFlight))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.stateVisits.WithLabelValues("FORM_EXTRACTED")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.requestCost, "apply_attempt_cost"))

	// A second resolution of the same request does not drive the gauge negative.
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: now, Stage: events.StageAttemptFailed},
	}))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.inFlight))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkWritesEvents(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: time.Now(), Stage: events.StageAttemptRetry, Kind: "RATE_LIMITED", Attempt: 2},
	}))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "r1", fields["request_id"])
	require.Equal(t, "RATE_LIMITED", fields["kind"])
	require.EqualValues(t, 2, fields["attempt"])
}

func TestPublisherSinkPublishesTerminalOnly(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "apply-outcomes", nil)
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: now, Stage: events.StageAttemptStart},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptRetry},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptDone},
		{RequestID: "r2", TS: now, Stage: events.StageDuplicate},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "apply-outcomes", msgs[0].Topic)
	require.Equal(t, events.StageAttemptDone, msgs[0].Payload.(events.Event).Stage)
	require.Equal(t, "r2", msgs[1].Payload.(events.Event).RequestID)
}

func TestPublisherSinkWithoutTopicIsNoop(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "", nil)
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: time.Now(), Stage: events.StageAttemptDone},
	}))
	require.Empty(t, pub.Messages())
}

func TestBroadcasterRoutesByRequest(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(4)
	ch1, cancel1 := b.Subscribe("r1")
	ch2, cancel2 := b.Subscribe("r2")
	defer cancel2()

	now := time.Now()
	require.NoError(t, b.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: now, Stage: events.StageAttemptStart},
		{RequestID: "r2", TS: now, Stage: events.StageAttemptStart},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptDone},
	}))

	require.Equal(t, events.StageAttemptStart, (<-ch1).Stage)
	require.Equal(t, events.StageAttemptDone, (<-ch1).Stage)
	require.Equal(t, "r2", (<-ch2).RequestID)

	cancel1()
	cancel1()
	_, open := <-ch1
	require.False(t, open)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe("r1")
	defer cancel()

	now := time.Now()
	require.NoError(t, b.Consume(context.Background(), []events.Event{
		{RequestID: "r1", TS: now, Stage: events.StageAttemptStart},
		{RequestID: "r1", TS: now, Stage: events.StageAttemptDone},
	}))
	require.Len(t, ch, 1)
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(1)
	ch, cancel := b.Subscribe("r1")
	require.NoError(t, b.Close(context.Background()))
	_, open := <-ch
	require.False(t, open)
	cancel()

	late, _ := b.Subscribe("r1")
	_, open = <-late
	require.False(t, open)
}
