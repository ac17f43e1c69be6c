package attendance

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SiteAttend/internal/agent/api"
	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/model"
	"SiteAttend/pkg/errors"
)

type fakeFenceSource struct {
	fence *model.SiteGeofence
	res   api.Result
	calls int
}

func (f *fakeFenceSource) Site(ctx context.Context) (*model.SiteGeofence, api.Result) {
	f.calls++
	if !f.res.OK() {
		return nil, f.res
	}
	fence := *f.fence
	return &fence, f.res
}

func online(fence model.SiteGeofence) *fakeFenceSource {
	return &fakeFenceSource{fence: &fence, res: api.Result{Outcome: api.OutcomeOK, StatusCode: 200}}
}

func unreachable() api.Result {
	return api.Result{Outcome: api.OutcomeNetworkFailure, Err: assert.AnError}
}

func isPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return stderrors.As(err, &permanent)
}

func TestLoadFenceFallsBackToCacheWhenServerUnreachable(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()

	src := online(testFence())
	fence, cached, err := LoadFence(ctx, src, store, "42")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, int64(7), fence.SiteID)

	// 重启后服务端不可达
	src.res = unreachable()
	fence, cached, err = LoadFence(ctx, src, store, "42")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, testFence(), fence)
	assert.True(t, fence.Evaluate(metersNorth(site, 50)).Within)
	assert.False(t, fence.Evaluate(metersNorth(site, 150)).Within)
}

func TestLoadFence(t *testing.T) {
	tests := []struct {
		name      string
		seed      bool
		res       api.Result
		wantErr   bool
		permanent bool
	}{
		{name: "unreachable without cache is retryable", res: unreachable(), wantErr: true},
		{name: "unreachable with cache", seed: true, res: unreachable()},
		{
			name:      "rejected is permanent",
			seed:      true,
			res:       api.Result{Outcome: api.OutcomeRejected, StatusCode: 404, Err: errors.SiteNotFound},
			wantErr:   true,
			permanent: true,
		},
		{
			name:      "auth failure is permanent",
			seed:      true,
			res:       api.Result{Outcome: api.OutcomeAuthFailure, StatusCode: 401},
			wantErr:   true,
			permanent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := localstore.NewMemoryStore()
			if tt.seed {
				cached := model.NewLocalSite("42", testFence(), time.Date(2026, 3, 1, 18, 0, 0, 0, ict))
				require.NoError(t, store.SaveSite(ctx, &cached))
			}

			_, fromCache, err := LoadFence(ctx, &fakeFenceSource{res: tt.res}, store, "42")
			if !tt.wantErr {
				require.NoError(t, err)
				assert.True(t, fromCache)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, isPermanent(err))
		})
	}
}

func TestLoadFenceRefreshesCache(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()

	_, _, err := LoadFence(ctx, online(testFence()), store, "42")
	require.NoError(t, err)

	moved := testFence()
	moved.RadiusMeters = 250
	moved.Center = nil
	_, _, err = LoadFence(ctx, online(moved), store, "42")
	require.NoError(t, err)

	got, err := store.LoadSite(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, moved, got.Geofence())
	assert.Nil(t, got.Latitude)
}
