package location

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SiteAttend/pkg/geo"
)

type funcProvider func(ctx context.Context) (geo.Point, error)

func (f funcProvider) Current(ctx context.Context) (geo.Point, error) { return f(ctx) }

func TestMonitorSamplesSequentially(t *testing.T) {
	m := NewMonitor(StaticProvider{Point: geo.Point{Latitude: 11.5, Longitude: 104.9}}, 5*time.Millisecond, time.Millisecond)

	var active, overlaps, calls atomic.Int32
	stop := m.Start(context.Background(), func(ctx context.Context, p geo.Point) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(8 * time.Millisecond)
		active.Add(-1)
		calls.Add(1)
	})

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	stop()

	assert.Zero(t, overlaps.Load())
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no samples after stop")
	stop()
}

func TestMonitorBoundsAcquisition(t *testing.T) {
	var timedOut atomic.Bool
	slow := funcProvider(func(ctx context.Context) (geo.Point, error) {
		<-ctx.Done()
		timedOut.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return geo.Point{}, ctx.Err()
	})

	var calls atomic.Int32
	stop := NewMonitor(slow, time.Hour, 10*time.Millisecond).Start(context.Background(), func(ctx context.Context, p geo.Point) {
		calls.Add(1)
	})
	assert.Eventually(t, timedOut.Load, time.Second, time.Millisecond)
	stop()
	assert.Zero(t, calls.Load())
}

func TestStopCancelsBlockedAcquisition(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	blocked := funcProvider(func(ctx context.Context) (geo.Point, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return geo.Point{}, ctx.Err()
	})

	stop := NewMonitor(blocked, time.Hour, time.Hour).Start(context.Background(), func(ctx context.Context, p geo.Point) {
		t.Error("handler must not run")
	})
	<-started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
}

func TestReplayProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walk.jsonl")
	content := "# walk into site\n" +
		`{"latitude": 11.5530, "longitude": 104.9282}` + "\n\n" +
		`{"latitude": 11.5515, "longitude": 104.9282}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := LoadReplayFile(path)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.Current(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 11.5530, first.Latitude, 1e-9)

	for i := 0; i < 3; i++ {
		last, err := p.Current(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 11.5515, last.Latitude, 1e-9)
	}
}

func TestReplayFileRejectsBadLines(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(bad, []byte(`{"latitude": 95, "longitude": 0}`+"\n"), 0o600))
	_, err := LoadReplayFile(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = LoadReplayFile(empty)
	assert.Error(t, err)
}

func TestNewMonitorClampsNonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		m := NewMonitor(StaticProvider{Point: geo.Point{Latitude: 11.5, Longitude: 104.9}}, interval, 0)
		assert.Equal(t, DefaultSampleInterval, m.interval)
		assert.Equal(t, DefaultSampleInterval, m.timeout)

		var calls atomic.Int32
		stop := m.Start(context.Background(), func(ctx context.Context, p geo.Point) { calls.Add(1) })
		assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		stop()
	}
}
