package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	ctx, cancel := context.WithCancel(context.Background())

	wg := &sync.WaitGroup{}
	logDB := NewDB(filepath.Join(t.TempDir(), "logs.db"), wg)
	require.NoError(t, logDB.Init(ctx))

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logDB
}

func TestDBQuery(t *testing.T) {
	logDB := newTestDB(t)

	entries := []Entry{
		{Level: LevelInfo, Time: 1, Src: "app", Msg: "one"},
		{Level: LevelError, Time: 2, Src: "recorder", Msg: "two"},
		{Level: LevelInfo, Time: 3, Src: "recorder", Msg: "three"},
	}
	for _, entry := range entries {
		require.NoError(t, logDB.saveEntry(entry))
	}

	// Newest first.
	all, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Equal(t, []Entry{entries[2], entries[1], entries[0]}, all)

	// Level filter.
	errs, err := logDB.Query(Query{Levels: []Level{LevelError}})
	require.NoError(t, err)
	require.Equal(t, []Entry{entries[1]}, errs)

	// Source filter.
	app, err := logDB.Query(Query{Sources: []string{"app"}})
	require.NoError(t, err)
	require.Equal(t, []Entry{entries[0]}, app)

	// Entries strictly before the given time.
	before, err := logDB.Query(Query{Time: 3})
	require.NoError(t, err)
	require.Equal(t, []Entry{entries[1], entries[0]}, before)

	// Limit.
	limited, err := logDB.Query(Query{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []Entry{entries[2]}, limited)
}

func TestDBMaxKeys(t *testing.T) {
	logDB := newTestDB(t)
	logDB.maxKeys = 2

	require.NoError(t, logDB.saveEntry(Entry{Time: 1, Msg: "a"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 2, Msg: "b"}))
	require.NoError(t, logDB.saveEntry(Entry{Time: 3, Msg: "c"}))

	entries, err := logDB.Query(Query{})
	require.NoError(t, err)
	require.Equal(t, 2, len(entries))
	require.Equal(t, "c", entries[0].Msg)
	require.Equal(t, "b", entries[1].Msg)
}

func TestDBSaveLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	logDB := NewDB(filepath.Join(t.TempDir(), "logs.db"), wg)
	require.NoError(t, logDB.Init(ctx))

	logger := NewLogger(wg)
	logger.Start(ctx)
	go logDB.SaveLogs(ctx, logger)

	// Give SaveLogs time to subscribe.
	time.Sleep(10 * time.Millisecond)

	logger.Info().Src("app").Msg("saved")

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := logDB.Query(Query{})
		require.NoError(t, err)
		if len(entries) == 1 {
			require.Equal(t, "saved", entries[0].Msg)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry was not saved")
		}
	}
}
