package syncengine

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SiteAttend/internal/agent/api"
	"SiteAttend/internal/agent/attendance"
	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/agent/syncq"
	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
)

var (
	ict  = time.FixedZone("ICT", 7*3600)
	site = geo.Point{Latitude: 11.5515, Longitude: 104.9282}
)

// serverLedger 以服务端规则维护单个用户当天的记录
type serverLedger struct {
	mu       sync.Mutex
	offline  bool
	now      func() time.Time
	record   *dto.AttendanceRecord
	checkIns int
	outs     int
}

func (s *serverLedger) down() (api.Result, bool) {
	if s.offline {
		return api.Result{Outcome: api.OutcomeNetworkFailure, Err: assert.AnError}, true
	}
	return api.Result{}, false
}

func (s *serverLedger) CheckIn(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, down := s.down(); down {
		return nil, res
	}
	s.checkIns++
	if s.record != nil {
		return nil, api.Result{Outcome: api.OutcomeRejected, StatusCode: http.StatusConflict, Err: errors.DuplicateCheckIn}
	}
	now := s.now()
	s.record = &dto.AttendanceRecord{
		ID:          strconv.Itoa(900 + s.checkIns),
		UserID:      "42",
		Date:        now.In(ict).Format("2006-01-02"),
		CheckInTime: &now,
		Status:      string(model.AttendanceStatusPresent),
		Notes:       req.Notes,
	}
	rec := *s.record
	return &rec, api.Result{Outcome: api.OutcomeOK, StatusCode: http.StatusCreated}
}

func (s *serverLedger) CheckOut(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, down := s.down(); down {
		return nil, res
	}
	s.outs++
	if s.record == nil || s.record.CheckOutTime != nil {
		return nil, api.Result{Outcome: api.OutcomeRejected, StatusCode: http.StatusBadRequest, Err: errors.NoOpenCheckIn}
	}
	now := s.now()
	s.record.CheckOutTime = &now
	s.record.WorkingHours = now.Sub(*s.record.CheckInTime).Hours()
	s.record.Notes = model.AppendNote(s.record.Notes, req.Notes)
	rec := *s.record
	return &rec, api.Result{Outcome: api.OutcomeOK, StatusCode: http.StatusOK}
}

func (s *serverLedger) Status(ctx context.Context) (*dto.AttendanceStatusData, api.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, down := s.down(); down {
		return nil, res
	}
	data := &dto.AttendanceStatusData{}
	if s.record != nil {
		rec := *s.record
		data.Record = &rec
		data.HasCheckedIn = true
		data.HasCheckedOut = rec.CheckOutTime != nil
	}
	return data, api.Result{Outcome: api.OutcomeOK, StatusCode: http.StatusOK}
}

func onDay(day string) func() string {
	return func() string { return day }
}

func fence() model.SiteGeofence {
	center := site
	return model.SiteGeofence{
		SiteID: 7, Center: &center, RadiusMeters: 100,
		WorkStart: "08:00", WorkEnd: "17:00", LateThresholdMinutes: 15, MinimumWorkingHours: 8,
	}
}

func TestOfflineCheckInSyncsOnNextDrain(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 7, 50, 0, 0, ict)
	now := func() time.Time { return clock }

	store := localstore.NewMemoryStore()
	queue := syncq.New(store)
	server := &serverLedger{offline: true, now: now}
	machine := attendance.NewMachine("42", fence(), server, store, queue,
		attendance.WithClock(now), attendance.WithLocation(ict))

	out, err := machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)
	require.True(t, out.Offline)

	local, err := store.FindByUserDate(ctx, "42", "2026-03-02")
	require.NoError(t, err)
	assert.False(t, local.IsSynced)

	counts, err := queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)

	server.offline = false
	engine := New(store)
	engine.Register(model.EntityAttendance, NewAttendanceApplier(server, store, WithToday(onDay("2026-03-02"))))

	res, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Succeeded: 1}, res)

	counts, err = queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
	assert.Equal(t, int64(1), counts.Succeeded)

	local, err = store.FindByUserDate(ctx, "42", "2026-03-02")
	require.NoError(t, err)
	assert.True(t, local.IsSynced)
	assert.Equal(t, "901", local.ServerID)
	assert.Equal(t, out.Record.LocalID, local.LocalID)
}

func TestAttendanceReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 2, 7, 50, 0, 0, ict)
	now := func() time.Time { return clock }

	store := localstore.NewMemoryStore()
	queue := syncq.New(store)
	server := &serverLedger{now: now}
	applier := NewAttendanceApplier(server, store, WithToday(onDay("2026-03-02")))

	lat, lng := site.Latitude, site.Longitude
	snapshot := func(notes string) *syncq.ActionSnapshot {
		return &syncq.ActionSnapshot{CapturedAt: clock, Latitude: &lat, Longitude: &lng, Notes: notes}
	}
	require.NoError(t, queue.Enqueue(ctx, model.EntityAttendance, "local-1", model.SyncOperationCreate, syncq.AttendancePayload{
		UserID: "42", WorkDate: "2026-03-02", CheckIn: snapshot("in"), CheckOut: snapshot("out"),
	}, syncq.PriorityHigh))
	item := store.Items()[0]

	require.NoError(t, applier.Apply(ctx, item))
	require.NoError(t, applier.Apply(ctx, item), "replaying an applied item succeeds")

	assert.Equal(t, 2, server.checkIns)
	assert.Equal(t, 2, server.outs)

	local, err := store.FindByUserDate(ctx, "42", "2026-03-02")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.True(t, local.IsSynced)
	assert.NotNil(t, local.CheckOutTime)
	assert.Equal(t, "in\nout", local.Notes)
}

func TestCheckOutWithoutServerCheckInIsNotApplied(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	server := &serverLedger{now: time.Now}

	lat, lng := site.Latitude, site.Longitude
	require.NoError(t, syncq.New(store).Enqueue(ctx, model.EntityAttendance, "local-1", model.SyncOperationUpdate, syncq.AttendancePayload{
		UserID: "42", WorkDate: "2026-03-02",
		CheckOut: &syncq.ActionSnapshot{CapturedAt: time.Now(), Latitude: &lat, Longitude: &lng},
	}, syncq.PriorityHigh))

	err := NewAttendanceApplier(server, store, WithToday(onDay("2026-03-02"))).Apply(ctx, store.Items()[0])
	assert.ErrorIs(t, err, errors.NoOpenCheckIn)
}

func TestSnapshotFromPastDayIsNotReplayedOntoToday(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 9, 7, 50, 0, 0, ict)
	now := func() time.Time { return clock }

	store := localstore.NewMemoryStore()
	queue := syncq.New(store)
	server := &serverLedger{offline: true, now: now}
	machine := attendance.NewMachine("42", fence(), server, store, queue,
		attendance.WithClock(now), attendance.WithLocation(ict))

	// 第一天离线签到、签退
	_, err := machine.CheckIn(ctx, site, "", "day one")
	require.NoError(t, err)
	clock = clock.Add(9 * time.Hour)
	_, err = machine.CheckOut(ctx, site, "", "")
	require.NoError(t, err)

	// 第二天在线签到后才恢复同步
	server.offline = false
	clock = time.Date(2026, 3, 10, 7, 55, 0, 0, ict)
	_, err = machine.CheckIn(ctx, site, "", "day two")
	require.NoError(t, err)
	require.Equal(t, 1, server.checkIns)

	clock = clock.Add(5 * time.Minute)
	engine := New(store, WithClock(now))
	engine.Register(model.EntityAttendance, NewAttendanceApplier(server, store,
		WithToday(func() string { return clock.In(ict).Format("2006-01-02") })))

	res, err := engine.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res, "a past-day snapshot fails without retries")

	assert.Equal(t, 1, server.checkIns)
	assert.Zero(t, server.outs)
	require.NotNil(t, server.record)
	assert.Equal(t, "2026-03-10", server.record.Date)
	assert.Nil(t, server.record.CheckOutTime, "today's record stays open")

	items := store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, model.SyncStatusFailed, items[0].Status)
	assert.Equal(t, 1, items[0].AttemptCount)
	assert.Contains(t, items[0].LastError, "2026-03-09")

	dayOne, err := store.FindByUserDate(ctx, "42", "2026-03-09")
	require.NoError(t, err)
	assert.False(t, dayOne.IsSynced)
}

type recordingSender struct {
	calls  []string
	bodies []interface{}
	status int
}

func (r *recordingSender) Do(ctx context.Context, method, path string, body, out interface{}) api.Result {
	r.calls = append(r.calls, method+" "+path)
	r.bodies = append(r.bodies, body)
	if r.status >= 300 {
		return api.Result{Outcome: api.OutcomeRejected, StatusCode: r.status, Err: errors.ValidationError}
	}
	return api.Result{Outcome: api.OutcomeOK, StatusCode: http.StatusOK}
}

func TestRESTApplierMapsOperations(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	q := syncq.New(store)
	sender := &recordingSender{}
	applier := NewRESTApplier(sender, "/leaves")

	for _, op := range []model.SyncOperation{model.SyncOperationCreate, model.SyncOperationUpdate, model.SyncOperationDelete} {
		require.NoError(t, q.Enqueue(ctx, model.EntityLeave, "L1", op, leave("L1"), syncq.PriorityNormal))
		require.NoError(t, applier.Apply(ctx, store.Items()[0]))
	}

	assert.Equal(t, []string{"POST /leaves", "PUT /leaves/L1", "DELETE /leaves/L1"}, sender.calls)
	assert.NotNil(t, sender.bodies[0])
	assert.Nil(t, sender.bodies[2])

	sender.status = http.StatusNotFound
	require.NoError(t, applier.Apply(ctx, store.Items()[0]), "deleting a missing entity is applied")

	sender.status = http.StatusBadRequest
	assert.Error(t, applier.Apply(ctx, store.Items()[0]))
}
