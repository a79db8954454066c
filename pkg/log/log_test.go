package log

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)
	logger.Start(ctx)
	return logger
}

func TestLoggerFeed(t *testing.T) {
	logger := newTestLogger(t)

	feed, cancel := logger.Subscribe()
	defer cancel()

	go logger.Info().Src("recorder").Msg("test")

	entry := <-feed
	require.Equal(t, LevelInfo, entry.Level)
	require.Equal(t, "recorder", entry.Src)
	require.Equal(t, "test", entry.Msg)
	require.NotZero(t, entry.Time)
}

func TestLoggerMsgf(t *testing.T) {
	logger := newTestLogger(t)

	feed, cancel := logger.Subscribe()
	defer cancel()

	go logger.Error().Src("app").Msgf("a %v c", "b")

	entry := <-feed
	require.Equal(t, LevelError, entry.Level)
	require.Equal(t, "a b c", entry.Msg)
}

func TestLoggerMultipleSubscribers(t *testing.T) {
	logger := newTestLogger(t)

	feed1, cancel1 := logger.Subscribe()
	defer cancel1()
	feed2, cancel2 := logger.Subscribe()
	defer cancel2()

	go logger.Debug().Msg("x")

	// Subscriber delivery order is not defined.
	done := make(chan struct{})
	go func() {
		require.Equal(t, "x", (<-feed1).Msg)
		close(done)
	}()
	require.Equal(t, "x", (<-feed2).Msg)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("feed1 did not receive entry")
	}
}

func TestLoggerUnsubscribe(t *testing.T) {
	logger := newTestLogger(t)

	_, cancel := logger.Subscribe()
	cancel()

	feed, cancel2 := logger.Subscribe()
	defer cancel2()

	go logger.Info().Msg("after")
	require.Equal(t, "after", (<-feed).Msg)
}

func TestEventTime(t *testing.T) {
	logger := newTestLogger(t)

	feed, cancel := logger.Subscribe()
	defer cancel()

	ts := time.Unix(1000, 2000)
	go logger.Info().Time(ts).Msg("t")

	entry := <-feed
	require.Equal(t, UnixMicro(1000000002), entry.Time)
}

func TestLevelInLevels(t *testing.T) {
	require.True(t, LevelInLevels(LevelInfo, nil))
	require.True(t, LevelInLevels(LevelInfo, []Level{LevelError, LevelInfo}))
	require.False(t, LevelInLevels(LevelInfo, []Level{LevelError}))
}

func TestStringInStrings(t *testing.T) {
	require.True(t, StringInStrings("a", nil))
	require.True(t, StringInStrings("a", []string{"b", "a"}))
	require.False(t, StringInStrings("a", []string{"b"}))
}
