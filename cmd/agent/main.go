package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"SiteAttend/config"
	"SiteAttend/internal/agent/api"
	"SiteAttend/internal/agent/attendance"
	"SiteAttend/internal/agent/localstore"
	"SiteAttend/internal/agent/location"
	"SiteAttend/internal/agent/syncengine"
	"SiteAttend/internal/agent/syncq"
	"SiteAttend/internal/model"
	"SiteAttend/internal/schedule"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/geo"
	"SiteAttend/pkg/logger"
)

const probeTask = "connectivity-probe"

type closer interface {
	Close() error
}

func main() {
	action := flag.String("action", "run", "run | check-in | check-out | sync | counts")
	notes := flag.String("notes", "", "notes attached to a manual check-in/check-out")
	address := flag.String("address", "", "address attached to a manual check-in/check-out")
	flag.Parse()

	logger.Init()
	defer logger.Sync()

	if config.Cfg.AgentUserID == "" || config.Cfg.AgentToken == "" {
		logger.Logger.Fatal("AGENT_USER_ID and AGENT_TOKEN are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := localstore.OpenStore(config.Cfg.AgentDBDriver, config.Cfg.AgentDBDSN, config.Cfg.AgentAllowMemory)
	if err != nil {
		logger.Logger.Fatal("Failed to open local store", zap.Error(err))
	}
	if c, ok := store.(closer); ok {
		defer c.Close()
	}

	client, err := api.NewClient(config.Cfg.AgentServerURL, config.Cfg.AgentToken, config.Cfg.AgentRequestTimeout)
	if err != nil {
		logger.Logger.Fatal("Failed to create API client", zap.Error(err))
	}

	queue := syncq.New(store, syncq.WithMaxAttempts(config.Cfg.AgentSyncMaxAttempts))
	scheduler := schedule.NewScheduler(ctx)
	engine := syncengine.New(store,
		syncengine.WithScheduler(scheduler),
		syncengine.WithConnectivity(client.Online),
		syncengine.WithRetention(config.Cfg.AgentSyncRetention),
		syncengine.WithApplyTimeout(config.Cfg.AgentRequestTimeout),
	)
	engine.Register(model.EntityAttendance, syncengine.NewAttendanceApplier(client, store))
	engine.Register(model.EntityLeave, syncengine.NewRESTApplier(client, config.Cfg.AgentLeaveEndpoint))
	engine.Register(model.EntityUser, syncengine.NewRESTApplier(client, config.Cfg.AgentUserEndpoint))

	switch *action {
	case "sync":
		res, err := engine.SyncNow(ctx)
		if err != nil {
			logger.Logger.Fatal("Sync failed", zap.Error(err))
		}
		fmt.Printf("succeeded=%d retried=%d failed=%d\n", res.Succeeded, res.Retried, res.Failed)
		return
	case "counts":
		printCounts(ctx, queue)
		return
	}

	fence, err := loadFence(ctx, client, store)
	if err != nil {
		logger.Logger.Fatal("Failed to load site geofence", zap.Error(err))
	}

	machine := attendance.NewMachine(config.Cfg.AgentUserID, fence, client, store, queue,
		attendance.WithLocation(config.Cfg.Location()),
	)

	provider, err := newProvider()
	if err != nil {
		logger.Logger.Fatal("Failed to create location provider", zap.Error(err))
	}

	switch *action {
	case "check-in", "check-out":
		if err := manual(ctx, machine, provider, *action, *address, *notes); err != nil {
			logger.Logger.Fatal("Manual action failed", zap.String("action", *action), zap.Error(err))
		}
		return
	case "run":
	default:
		logger.Logger.Fatal("Unknown action", zap.String("action", *action))
	}

	if err := engine.Start(config.Cfg.AgentSyncInterval); err != nil {
		logger.Logger.Fatal("Failed to start sync engine", zap.Error(err))
	}
	watchConnectivity(scheduler, engine, client, machine, store)

	monitor := location.NewMonitor(provider, config.Cfg.AgentSampleInterval, config.Cfg.AgentSampleTimeout)
	stop := monitor.Start(ctx, func(ctx context.Context, p geo.Point) {
		out, err := machine.HandleSample(ctx, p)
		if err != nil {
			logger.Logger.Warn("Location sample handling failed", zap.Error(err))
			return
		}
		if out != nil {
			logger.Logger.Info("Automatic attendance transition",
				zap.String("action", out.Action),
				zap.Bool("offline", out.Offline),
				zap.String("warning", out.Warning),
			)
		}
	})

	logger.Logger.Info("Agent running",
		zap.String("user_id", config.Cfg.AgentUserID),
		zap.Int64("site_id", fence.SiteID),
		zap.Duration("sample_interval", config.Cfg.AgentSampleInterval),
		zap.Duration("sync_interval", config.Cfg.AgentSyncInterval),
	)

	<-ctx.Done()
	stop()
	scheduler.Wait()
	logger.Logger.Info("Agent stopped")
}

func newProvider() (location.Provider, error) {
	switch config.Cfg.AgentLocationSource {
	case "replay":
		return location.LoadReplayFile(config.Cfg.AgentReplayFile)
	case "static":
		p := geo.Point{Latitude: config.Cfg.AgentDeviceLatitude, Longitude: config.Cfg.AgentDeviceLongitude}
		if !p.Valid() {
			return nil, fmt.Errorf("invalid static device coordinates")
		}
		return location.StaticProvider{Point: p}, nil
	default:
		return nil, fmt.Errorf("unknown location source %q", config.Cfg.AgentLocationSource)
	}
}

// loadFence 启动时拉取站点围栏；不可达时使用本地缓存，无缓存才按指数退避重试
func loadFence(ctx context.Context, client *api.Client, store localstore.SiteStore) (model.SiteGeofence, error) {
	return backoff.Retry(ctx, func() (model.SiteGeofence, error) {
		fence, _, err := attendance.LoadFence(ctx, client, store, config.Cfg.AgentUserID)
		if err != nil {
			logger.Logger.Warn("Site geofence unavailable", zap.Error(err))
		}
		return fence, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(5*time.Minute))
}

func manual(ctx context.Context, machine *attendance.Machine, provider location.Provider, action, address, notes string) error {
	p, err := provider.Current(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire location: %w", err)
	}

	var out *attendance.Outcome
	if action == "check-in" {
		out, err = machine.CheckIn(ctx, p, address, notes)
	} else {
		out, err = machine.CheckOut(ctx, p, address, notes)
	}
	if err != nil {
		if def, ok := errors.As(err); ok {
			fmt.Printf("%s: %s\n", def.Code, def.Message)
		}
		return err
	}

	if out.Offline {
		fmt.Println("recorded offline, will sync when the server is reachable")
	}
	fmt.Printf("status=%s working_hours=%.2f\n", out.Record.Status, out.Record.WorkingHours)
	return nil
}

func printCounts(ctx context.Context, queue *syncq.Queue) {
	c, err := queue.Counts(ctx)
	if err != nil {
		logger.Logger.Fatal("Failed to count sync queue", zap.Error(err))
	}
	fmt.Printf("pending=%d retry=%d in_progress=%d failed=%d succeeded=%d\n",
		c.Pending, c.Retry, c.InProgress, c.Failed, c.Succeeded)
}

// watchConnectivity 网络从不可用恢复时刷新站点围栏并立即同步一次
func watchConnectivity(s schedule.Scheduler, engine *syncengine.Engine, client *api.Client, machine *attendance.Machine, store localstore.SiteStore) {
	var offline atomic.Bool
	s.Schedule(probeTask, config.Cfg.AgentProbeInterval, func(ctx context.Context) error {
		if !client.Online(ctx) {
			offline.Store(true)
			return nil
		}
		if offline.Swap(false) {
			logger.Logger.Info("Connectivity restored, syncing now")
			if fence, cached, err := attendance.LoadFence(ctx, client, store, config.Cfg.AgentUserID); err == nil && !cached {
				machine.SetFence(fence)
			}
			if _, err := engine.SyncNow(ctx); err != nil {
				logger.Logger.Warn("Sync after reconnect failed", zap.Error(err))
			}
		}
		return nil
	})
}
