package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/roomwatch/pkg/config"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	return config.StoreConfig{
		Path:           filepath.Join(t.TempDir(), "data", "record.yaml"),
		GuardThreshold: 3,
		FlushInterval:  10 * time.Millisecond,
	}
}

func TestFixedRoomsThreshold(t *testing.T) {
	s, err := Open(testConfig(t), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		s.Record(100)
	}
	s.Record(200)
	s.Record(200)
	s.MarkFixed(300)
	s.Record(0)

	assert.Equal(t, []int64{100, 300}, s.FixedRooms())

	r, ok := s.Get(100)
	require.True(t, ok)
	assert.Equal(t, Record{Guard: 3, UpdatedAt: fixedNow}, r)
}

func TestFlushAndReopen(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	s.Record(1)
	s.MarkFixed(2)
	require.NoError(t, s.Flush())

	_, err = os.Stat(cfg.Path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reopened, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, reopened.FixedRooms())

	r, ok := reopened.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, r.Guard)
}

func TestFlushSkipsWhenClean(t *testing.T) {
	cfg := testConfig(t)
	s, err := Open(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Flush())
	_, err = os.Stat(cfg.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Path), 0o755))
	require.NoError(t, os.WriteFile(cfg.Path, []byte("not: [valid"), 0o644))

	_, err := Open(cfg)
	assert.Error(t, err)
}

func TestRunFlushesOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.FlushInterval = time.Hour
	s, err := Open(cfg)
	require.NoError(t, err)
	s.MarkFixed(9)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	reopened, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, reopened.FixedRooms())
}
