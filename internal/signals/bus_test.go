package signals

import (
	"context"
	"testing"
	"time"

	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/domain"
	"github.com/Kaminarusawa-sekai/Flora-sub000/internal/kvstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	store := kvstore.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	return NewBus(store, 0, nil)
}

func TestBus_DefaultRun(t *testing.T) {
	bus := newTestBus(t)
	sig, err := bus.GetSignal(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRun, sig)
}

func TestBus_SetGetClear(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	traceID := uuid.New()

	require.NoError(t, bus.SetSignal(ctx, traceID, domain.SignalPause, 0))
	sig, err := bus.GetSignal(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalPause, sig)

	require.NoError(t, bus.Clear(ctx, traceID))
	sig, err = bus.GetSignal(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRun, sig)
}

func TestBus_SignalTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := kvstore.NewMemoryStore(0, kvstore.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { store.Close() })
	bus := NewBus(store, time.Hour, nil)
	ctx := context.Background()
	short, long := uuid.New(), uuid.New()

	require.NoError(t, bus.SetSignal(ctx, short, domain.SignalPause, time.Minute))
	require.NoError(t, bus.SetSignal(ctx, long, domain.SignalPause, 0))
	now = now.Add(2 * time.Minute)

	sig, err := bus.GetSignal(ctx, short)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalRun, sig, "explicit ttl must expire the flag")

	sig, err = bus.GetSignal(ctx, long)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalPause, sig, "zero ttl falls back to the bus ttl")
}

func TestBus_RejectsUnknownSignal(t *testing.T) {
	bus := newTestBus(t)
	assert.Error(t, bus.SetSignal(context.Background(), uuid.New(), "STOP", 0))
}

func TestBus_WatchCancelsOnCancelSignal(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	traceID := uuid.New()

	watched, stop := bus.Watch(ctx, traceID, 10*time.Millisecond)
	defer stop()

	require.NoError(t, bus.SetSignal(ctx, traceID, domain.SignalCancel, 0))

	select {
	case <-watched.Done():
		assert.ErrorIs(t, context.Cause(watched), ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch context was not cancelled")
	}
}

func TestBus_WatchIgnoresPause(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()
	traceID := uuid.New()

	require.NoError(t, bus.SetSignal(ctx, traceID, domain.SignalPause, 0))
	watched, stop := bus.Watch(ctx, traceID, 5*time.Millisecond)

	select {
	case <-watched.Done():
		t.Fatal("pause must not cancel running work")
	case <-time.After(50 * time.Millisecond):
	}
	stop()
	<-watched.Done()
}
