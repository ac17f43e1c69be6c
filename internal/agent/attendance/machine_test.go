package attendance

import (
	"context"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SiteAttend/internal/agent/api"
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

func metersNorth(p geo.Point, m float64) geo.Point {
	return geo.Point{Latitude: p.Latitude + m/(geo.EarthRadiusMeters*math.Pi/180), Longitude: p.Longitude}
}

func testFence() model.SiteGeofence {
	center := site
	return model.SiteGeofence{
		SiteID:               7,
		Center:               &center,
		RadiusMeters:         100,
		WorkStart:            "08:00",
		WorkEnd:              "17:00",
		LateThresholdMinutes: 15,
		MinimumWorkingHours:  8,
	}
}

// fakeLedger 模拟服务端；offline 为 true 时所有调用返回网络失败
type fakeLedger struct {
	mu       sync.Mutex
	offline  bool
	block    chan struct{}
	entered  chan struct{}
	now      func() time.Time
	record   *dto.AttendanceRecord
	checkIns []dto.AttendanceActionRequest
	outs     []dto.AttendanceActionRequest
}

func (f *fakeLedger) wait(ctx context.Context) *api.Result {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &api.Result{Outcome: api.OutcomeCanceled, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return &api.Result{Outcome: api.OutcomeNetworkFailure, Err: assert.AnError}
	}
	return nil
}

func (f *fakeLedger) CheckIn(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result) {
	if res := f.wait(ctx); res != nil {
		return nil, *res
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIns = append(f.checkIns, req)
	if f.record != nil {
		return nil, api.Result{Outcome: api.OutcomeRejected, StatusCode: 409, Err: errors.DuplicateCheckIn}
	}
	now := f.now()
	f.record = &dto.AttendanceRecord{
		ID:                 strconv.Itoa(len(f.checkIns) + 900),
		UserID:             "42",
		Date:               now.In(ict).Format("2006-01-02"),
		CheckInTime:        &now,
		CheckInCoordinates: &dto.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude},
		Status:             string(model.AttendanceStatusPresent),
		Notes:              req.Notes,
	}
	rec := *f.record
	return &rec, api.Result{Outcome: api.OutcomeOK, StatusCode: 201}
}

func (f *fakeLedger) CheckOut(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, api.Result) {
	if res := f.wait(ctx); res != nil {
		return nil, *res
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outs = append(f.outs, req)
	if f.record == nil || f.record.CheckOutTime != nil {
		return nil, api.Result{Outcome: api.OutcomeRejected, StatusCode: 400, Err: errors.NoOpenCheckIn}
	}
	now := f.now()
	f.record.CheckOutTime = &now
	f.record.CheckOutCoordinates = &dto.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
	f.record.WorkingHours = now.Sub(*f.record.CheckInTime).Hours()
	f.record.Status = string(model.AttendanceStatusEarlyDeparture)
	f.record.Notes = model.AppendNote(f.record.Notes, req.Notes)
	rec := *f.record
	return &rec, api.Result{Outcome: api.OutcomeOK, StatusCode: 200}
}

func (f *fakeLedger) Status(ctx context.Context) (*dto.AttendanceStatusData, api.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, api.Result{Outcome: api.OutcomeNetworkFailure, Err: assert.AnError}
	}
	data := &dto.AttendanceStatusData{}
	if f.record != nil {
		rec := *f.record
		data.Record = &rec
		data.HasCheckedIn = true
		data.HasCheckedOut = rec.CheckOutTime != nil
	}
	return data, api.Result{Outcome: api.OutcomeOK, StatusCode: 200}
}

// closeElsewhere 模拟用户在其他设备上签退
func (f *fakeLedger) closeElsewhere(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record.CheckOutTime = &at
	f.record.WorkingHours = at.Sub(*f.record.CheckInTime).Hours()
}

type recordingNotifier struct {
	mu       sync.Mutex
	warnings []string
}

func (n *recordingNotifier) SecurityWarning(ctx context.Context, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, message)
}

type harness struct {
	clock    time.Time
	ledger   *fakeLedger
	store    *localstore.MemoryStore
	notifier *recordingNotifier
	machine  *Machine
}

func newHarness() *harness {
	h := &harness{
		clock:    time.Date(2026, 3, 2, 7, 50, 0, 0, ict),
		store:    localstore.NewMemoryStore(),
		notifier: &recordingNotifier{},
	}
	now := func() time.Time { return h.clock }
	h.ledger = &fakeLedger{now: now}
	h.machine = NewMachine("42", testFence(), h.ledger, h.store, syncq.New(h.store),
		WithClock(now), WithLocation(ict), WithNotifier(h.notifier))
	return h
}

func (h *harness) today(t *testing.T) *model.LocalAttendance {
	rec, err := h.store.FindByUserDate(context.Background(), "42", "2026-03-02")
	require.NoError(t, err)
	return rec
}

func (h *harness) state(t *testing.T) State {
	s, err := h.machine.State(context.Background())
	require.NoError(t, err)
	return s
}

func TestFirstSampleInsideChecksInAutomatically(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	out, err := h.machine.HandleSample(ctx, metersNorth(site, 50))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, ActionAutoCheckIn, out.Action)
	assert.False(t, out.Offline)
	assert.Equal(t, StateCheckedIn, h.state(t))
	require.Len(t, h.ledger.checkIns, 1)
	assert.Contains(t, h.ledger.checkIns[0].Notes, "[auto]")

	// 在围栏内继续采样不会再次触发
	out, err = h.machine.HandleSample(ctx, metersNorth(site, 20))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Len(t, h.ledger.checkIns, 1)
}

func TestAutoCheckInOnlyOnEntry(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	out, err := h.machine.HandleSample(ctx, metersNorth(site, 300))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, StateNotCheckedIn, h.state(t))

	out, err = h.machine.HandleSample(ctx, metersNorth(site, 60))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, StateCheckedIn, h.state(t))
}

func TestSampleOutsideWhileCheckedInForcesSecurityCheckOut(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, metersNorth(site, 50), "", "manual")
	require.NoError(t, err)

	h.clock = h.clock.Add(3 * time.Hour)
	out, err := h.machine.HandleSample(ctx, metersNorth(site, 150))
	require.NoError(t, err, "security check-out is a warning, not an error")
	require.NotNil(t, out)

	assert.Equal(t, ActionSecurityCheckOut, out.Action)
	assert.NotEmpty(t, out.Warning)
	assert.Len(t, h.notifier.warnings, 1)
	require.Len(t, h.ledger.outs, 1)
	assert.True(t, h.ledger.outs[0].SecurityCheckout)
	assert.Contains(t, h.ledger.outs[0].Notes, "[security]")

	rec := h.today(t)
	require.NotNil(t, rec.CheckOutTime)
	assert.Equal(t, StateCheckedOut, h.state(t))
	assert.True(t, h.machine.InvalidLocation())
}

func TestManualCheckInGeofenceAndDuplicateGuard(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, metersNorth(site, 150), "", "")
	assert.ErrorIs(t, err, errors.OutsideGeofence)
	assert.Empty(t, h.ledger.checkIns)

	_, err = h.machine.CheckIn(ctx, metersNorth(site, 50), "Gate A", "")
	require.NoError(t, err)

	_, err = h.machine.CheckIn(ctx, metersNorth(site, 50), "", "")
	assert.ErrorIs(t, err, errors.DuplicateCheckIn)
	assert.Len(t, h.ledger.checkIns, 1, "local duplicate guard must not call the server")
}

func TestManualCheckOutRules(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckOut(ctx, site, "", "")
	assert.ErrorIs(t, err, errors.NoOpenCheckIn)

	_, err = h.machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)

	_, err = h.machine.CheckOut(ctx, metersNorth(site, 150), "", "")
	assert.ErrorIs(t, err, errors.OutsideGeofence)
	assert.Equal(t, StateCheckedIn, h.state(t))

	h.clock = h.clock.Add(9 * time.Hour)
	out, err := h.machine.CheckOut(ctx, site, "", "evening")
	require.NoError(t, err)
	assert.Equal(t, ActionCheckOut, out.Action)
	assert.False(t, h.ledger.outs[0].SecurityCheckout)
	assert.Equal(t, StateCheckedOut, h.state(t))
}

func TestOfflineCheckInRecordsLocallyAndEnqueues(t *testing.T) {
	h := newHarness()
	h.ledger.offline = true
	ctx := context.Background()

	out, err := h.machine.CheckIn(ctx, metersNorth(site, 50), "", "no signal")
	require.NoError(t, err)
	assert.True(t, out.Offline)

	rec := h.today(t)
	require.NotNil(t, rec)
	assert.False(t, rec.IsSynced)
	assert.Empty(t, rec.ServerID)
	assert.Equal(t, model.AttendanceStatusPresent, rec.Status)

	items := h.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, rec.LocalID, items[0].EntityID)
	assert.Equal(t, syncq.PriorityHigh, items[0].Priority)
	p, err := syncq.DecodeAttendance(items[0])
	require.NoError(t, err)
	require.NotNil(t, p.CheckIn)
	assert.Nil(t, p.CheckOut)
	assert.Equal(t, "no signal", p.CheckIn.Notes)
}

func TestOfflineCheckInStillValidatesGeofence(t *testing.T) {
	h := newHarness()
	h.ledger.offline = true

	_, err := h.machine.CheckIn(context.Background(), metersNorth(site, 150), "", "")
	assert.ErrorIs(t, err, errors.OutsideGeofence)
	assert.Nil(t, h.today(t))
	assert.Empty(t, h.store.Items())
}

func TestOfflineCheckOutCarriesUnsyncedCheckIn(t *testing.T) {
	h := newHarness()
	h.ledger.offline = true
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, site, "", "morning")
	require.NoError(t, err)

	h.clock = h.clock.Add(4 * time.Hour)
	out, err := h.machine.CheckOut(ctx, site, "", "lunch leave")
	require.NoError(t, err)
	assert.True(t, out.Offline)
	assert.Equal(t, model.AttendanceStatusEarlyDeparture, out.Record.Status)
	assert.InDelta(t, 4, out.Record.WorkingHours, 1e-9)
	assert.Equal(t, "morning\nlunch leave", out.Record.Notes)

	items := h.store.Items()
	require.Len(t, items, 1, "check-out replaces the queued check-in")
	p, err := syncq.DecodeAttendance(items[0])
	require.NoError(t, err)
	require.NotNil(t, p.CheckIn)
	require.NotNil(t, p.CheckOut)
	assert.Equal(t, "morning", p.CheckIn.Notes)
	assert.Equal(t, "lunch leave", p.CheckOut.Notes)
}

func TestOfflineSecurityCheckOutSkipsGeofence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)

	h.ledger.offline = true
	h.clock = h.clock.Add(time.Hour)
	out, err := h.machine.HandleSample(ctx, metersNorth(site, 150))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Offline)

	items := h.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, model.SyncOperationUpdate, items[0].Operation)
	p, err := syncq.DecodeAttendance(items[0])
	require.NoError(t, err)
	assert.Nil(t, p.CheckIn, "synced check-in is not replayed")
	require.NotNil(t, p.CheckOut)
	assert.True(t, p.CheckOut.SecurityCheckout)
}

func TestOneOperationInFlight(t *testing.T) {
	h := newHarness()
	h.ledger.block = make(chan struct{})
	h.ledger.entered = make(chan struct{}, 1)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.machine.CheckIn(ctx, site, "", "")
		done <- err
	}()
	<-h.ledger.entered

	_, err := h.machine.CheckIn(ctx, site, "", "")
	assert.ErrorIs(t, err, errors.OperationInProgress)

	out, err := h.machine.HandleSample(ctx, site)
	assert.NoError(t, err)
	assert.Nil(t, out, "sample-triggered transition is suppressed")

	close(h.ledger.block)
	require.NoError(t, <-done)
	assert.Len(t, h.ledger.checkIns, 1)
}

func TestCanceledCallAppliesNoLocalMutation(t *testing.T) {
	h := newHarness()
	h.ledger.block = make(chan struct{})
	h.ledger.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.machine.CheckIn(ctx, site, "", "")
		done <- err
	}()
	<-h.ledger.entered
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, h.today(t))
	assert.Empty(t, h.store.Items())
	assert.Equal(t, StateNotCheckedIn, h.state(t))
}

func TestSiteWithoutCoordinatesAcceptsAnyLocation(t *testing.T) {
	h := newHarness()
	fence := testFence()
	fence.Center = nil
	h.machine.SetFence(fence)

	_, err := h.machine.CheckIn(context.Background(), geo.Point{Latitude: -33.86, Longitude: 151.2}, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateCheckedIn, h.state(t))
}

func TestSecurityCheckOutRejectedByServerReconcilesCache(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)
	closedAt := h.clock.Add(2 * time.Hour)
	h.ledger.closeElsewhere(closedAt)

	h.clock = h.clock.Add(3 * time.Hour)
	out, err := h.machine.HandleSample(ctx, metersNorth(site, 150))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.Reconciled)
	assert.NotEmpty(t, out.Warning)
	assert.Len(t, h.notifier.warnings, 1)

	rec := h.today(t)
	require.NotNil(t, rec.CheckOutTime)
	assert.True(t, closedAt.Equal(*rec.CheckOutTime), "cache takes the server's check-out")
	assert.Equal(t, StateCheckedOut, h.state(t))

	// 之后的围栏外采样不再触发签退
	out, err = h.machine.HandleSample(ctx, metersNorth(site, 200))
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Len(t, h.ledger.outs, 1)
}

func TestManualCheckOutRejectedByServerReturnsNoOpenCheckIn(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	_, err := h.machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)
	h.ledger.closeElsewhere(h.clock.Add(time.Hour))

	h.clock = h.clock.Add(9 * time.Hour)
	_, err = h.machine.CheckOut(ctx, site, "", "")
	assert.ErrorIs(t, err, errors.NoOpenCheckIn)
	assert.Equal(t, StateCheckedOut, h.state(t))
}

func TestCheckOutOfUnsyncedCheckInJoinsQueuedSnapshot(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.ledger.offline = true
	_, err := h.machine.CheckIn(ctx, site, "", "")
	require.NoError(t, err)

	// 网络恢复但签到尚未同步，服务端拒绝签退
	h.ledger.offline = false
	h.clock = h.clock.Add(9 * time.Hour)
	out, err := h.machine.CheckOut(ctx, site, "", "")
	require.NoError(t, err)
	assert.True(t, out.Offline)
	require.Len(t, h.ledger.outs, 1)

	items := h.store.Items()
	require.Len(t, items, 1)
	p, err := syncq.DecodeAttendance(items[0])
	require.NoError(t, err)
	assert.NotNil(t, p.CheckIn)
	assert.NotNil(t, p.CheckOut)
	assert.Equal(t, model.SyncOperationCreate, items[0].Operation)
}
