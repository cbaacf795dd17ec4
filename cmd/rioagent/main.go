// Command rioagent runs the RIO device agent: it loads the bootstrap
// and device Settings, connects the broker-backed channel stack,
// starts the Module Manager, Scheduler, Alert Processor, and Router,
// and serves the local admin endpoint, per spec.md §6.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fennel-labs/rioagent/internal/admin"
	"github.com/fennel-labs/rioagent/internal/alert"
	"github.com/fennel-labs/rioagent/internal/buildinfo"
	"github.com/fennel-labs/rioagent/internal/channel"
	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/connwatch"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/feature"
	"github.com/fennel-labs/rioagent/internal/httpkit"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/mqtt"
	"github.com/fennel-labs/rioagent/internal/router"
	"github.com/fennel-labs/rioagent/internal/rules"
	"github.com/fennel-labs/rioagent/internal/scheduler"

	_ "github.com/fennel-labs/rioagent/internal/plugins/display"
	_ "github.com/fennel-labs/rioagent/internal/plugins/notifier"
	_ "github.com/fennel-labs/rioagent/internal/plugins/sensor"
)

// heartbeatInterval is how often {Timestamp, Id} is published on
// Heartbeat-Channel (spec.md §6).
const heartbeatInterval = 60 * time.Second

func main() {
	configPath := flag.String("config", "", "path to bootstrap config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting rioagent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var boot *config.Bootstrap
	if err != nil {
		logger.Warn("no bootstrap config found, using defaults", "error", err)
		boot = config.DefaultBootstrap()
	} else {
		boot, err = config.LoadBootstrap(cfgPath)
		if err != nil {
			logger.Error("failed to load bootstrap config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	level := slog.LevelInfo
	if boot.LogLevel != "" {
		level, err = config.ParseLogLevel(boot.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in bootstrap config", "error", err)
			os.Exit(1)
		}
	}
	componentLevels, err := config.ParseComponentLevels(boot.ComponentLevels)
	if err != nil {
		logger.Error("invalid component_levels in bootstrap config", "error", err)
		os.Exit(1)
	}
	base := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	logger = slog.New(config.NewComponentHandler(base, componentLevels, level))

	settings, err := config.LoadSettings(boot.SettingsPath)
	if err != nil {
		logger.Error("failed to load settings", "path", boot.SettingsPath, "error", err)
		os.Exit(1)
	}
	if settings.DeviceID() == "" {
		if err := settings.SetDeviceID(buildinfo.DefaultDeviceID()); err != nil {
			logger.Error("failed to assign device id", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("settings loaded", "path", boot.SettingsPath, "device_id", settings.DeviceID())

	know := knowledge.New()
	bus := events.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := mqtt.New(mqtt.Config{
		URL:      boot.Broker.URL,
		Username: boot.Broker.Username,
		Password: boot.Broker.Password,
		ClientID: settings.DeviceID(),
	}, config.WithComponent(logger, "channel"))
	if err := broker.Start(ctx); err != nil {
		logger.Error("failed to start broker", "error", err)
		os.Exit(1)
	}

	watchers := connwatch.NewManager(config.WithComponent(logger, "channel"))
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "broker",
		Probe: func(probeCtx context.Context) error { return broker.AwaitConnection(probeCtx) },
		OnDown: func(err error) {
			bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceChannel, Kind: events.KindChannelDown, Data: map[string]any{"service": "broker", "error": err.Error()}})
		},
		OnReady: func() {
			bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceChannel, Kind: events.KindChannelUp, Data: map[string]any{"service": "broker"}})
		},
	})

	mgmtTopic := fmt.Sprintf("RIO-%s-Mgmt", settings.DeviceID())
	mgmt, err := channel.NewPubSub(ctx, broker, mgmtTopic, true)
	if err != nil {
		logger.Error("failed to open management channel", "error", err)
		os.Exit(1)
	}
	heartbeatCh, err := channel.NewPubSub(ctx, broker, "Heartbeat-Channel", false)
	if err != nil {
		logger.Error("failed to open heartbeat channel", "error", err)
		os.Exit(1)
	}
	telemetryCh, err := channel.NewPubSub(ctx, broker, "Telemetry-Channel", false)
	if err != nil {
		logger.Error("failed to open telemetry channel", "error", err)
		os.Exit(1)
	}
	alertCh, err := channel.NewPubSub(ctx, broker, "RIO-TAD-Alert", true)
	if err != nil {
		logger.Error("failed to open alert channel", "error", err)
		os.Exit(1)
	}

	retryDir := boot.RetryDir
	onCumulated := func(snapshot [][]byte, firstFailure time.Time) {
		persistBacklog(logger, retryDir, snapshot, firstFailure)
	}
	outMgmt := channel.NewRetry(mgmt, channel.LIFO, bus, onCumulated)
	outTelemetry := channel.NewRetry(telemetryCh, channel.LIFO, bus, onCumulated)
	recoverBacklog(logger, retryDir, outMgmt, outTelemetry)

	var httpOut channel.Channel
	if boot.HTTP.URL != "" {
		httpPost := channel.NewHTTPPost(boot.HTTP.URL, httpClientFor(boot.HTTP))
		httpOut = channel.NewRetry(httpPost, channel.FIFO, bus, onCumulated)
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:    "http_ingest",
			Backoff: connwatch.BackoffConfigForHTTPIngest(boot.HTTP),
			Probe: func(probeCtx context.Context) error {
				if httpOut.Send([]byte(`{"probe":true}`)) == channel.NoConnection {
					return fmt.Errorf("http ingest unreachable")
				}
				return nil
			},
		})
	}

	mgr := feature.New(settings, know, bus, config.WithComponent(logger, "feature"))

	dispatch := func(dctx context.Context, action rules.Action) error {
		_, err := mgr.Dispatch(dctx, action.Target, action.Command, action.Parameters)
		return err
	}
	sched := scheduler.New(know, dispatch, bus, config.WithComponent(logger, "scheduler"))
	mgr.SetScheduler(sched)

	if boot.SettingsPath != "" {
		crontabPath := filepath.Join(filepath.Dir(boot.SettingsPath), "crontab.json")
		if err := sched.LoadCrontab(crontabPath); err != nil {
			logger.Warn("no crontab loaded", "path", crontabPath, "error", err)
		}
	}

	onAlert := func(a alert.Alert) {
		for _, info := range a.Infos {
			kvs := map[string]any{"status": info.Status, "eventType": info.EventType, "msgType": info.MsgType}
			for _, p := range info.Parameters {
				kvs[p.ValueName] = p.Value
			}
			sched.Update(a.Sender, kvs)
		}
	}
	alertProc := alert.New(settings.DeviceID(), know, bus, deviceList(settings), onAlert)
	alertCh.SetReceiveFunc(func(payload []byte) {
		if _, err := alertProc.Ingest(payload); err != nil {
			logger.Warn("alert ingest failed", "error", err)
		}
	})

	rt := router.New(router.Config{
		Settings:    settings,
		Manager:     mgr,
		Scheduler:   sched,
		Knowledge:   know,
		Bus:         bus,
		Watchers:    watchers,
		Logger:      config.WithComponent(logger, "router"),
		RulesetPath: filepath.Join(filepath.Dir(boot.SettingsPath), "Ruleset.json"),
		CrontabPath: filepath.Join(filepath.Dir(boot.SettingsPath), "crontab.json"),
		MediaDir:    filepath.Dir(boot.SettingsPath),
	})
	mgmt.SetReceiveFunc(func(payload []byte) {
		var msg router.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("management channel: malformed message", "error", err)
			return
		}
		resp := rt.Dispatch(ctx, msg)
		data, err := json.Marshal(resp)
		if err != nil {
			logger.Error("management channel: marshal response failed", "error", err)
			return
		}
		outMgmt.Send(data)
	})

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start module manager", "error", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	var adminSrv *admin.Server
	if boot.Admin.Enabled {
		adminSrv = admin.New(admin.Config{
			Settings:    settings,
			Router:      rt,
			Bus:         bus,
			Logger:      config.WithComponent(logger, "admin"),
			Address:     boot.Admin.Address,
			DashboardWS: boot.Admin.DashboardWS,
		})
		if err := adminSrv.Start(ctx); err != nil {
			logger.Error("failed to start admin endpoint", "error", err)
			os.Exit(1)
		}
	}

	go heartbeatLoop(ctx, settings, heartbeatCh, logger)
	go telemetryLoop(ctx, bus, outTelemetry, httpOut, logger)

	var once sync.Once
	exitCode := make(chan int, 1)
	finish := func(code int) {
		once.Do(func() {
			if err := settings.Persist(); err != nil {
				logger.Error("failed to persist settings on shutdown", "error", err)
				code = 1
			}
			cancel()
			if adminSrv != nil {
				adminSrv.Stop()
			}
			broker.Stop(context.Background())
			exitCode <- code
		})
	}

	shutdownEvents := bus.Subscribe(4)
	go func() {
		for e := range shutdownEvents {
			if e.Kind == events.KindShutdownConfirmed {
				logger.Info("shutdown confirmed, stopping")
				finish(0)
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		mgr.Shutdown(true)
		finish(0)
	}()

	logger.Info("rioagent running", "device_id", settings.DeviceID(), "admin_enabled", boot.Admin.Enabled)
	code := <-exitCode
	logger.Info("rioagent stopped", "exit_code", code)
	os.Exit(code)
}

func heartbeatLoop(ctx context.Context, settings *config.Settings, ch channel.Channel, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			payload, err := json.Marshal(map[string]any{"Timestamp": t.UTC(), "Id": settings.DeviceID()})
			if err != nil {
				logger.Error("heartbeat marshal failed", "error", err)
				continue
			}
			if res := ch.Send(payload); res != channel.OK {
				logger.Warn("heartbeat send failed", "result", res.String())
			}
		}
	}
}

// deviceList extracts the sender identifiers Alert rule evaluation is
// permitted for, beyond the local device itself (spec.md §9). Settings
// carries no such list today, so this returns the local id's siblings
// discovered via Proxy, if configured (fleet proxy implies a single
// upstream peer).
func deviceList(settings *config.Settings) []string {
	if settings.Proxy == "" {
		return nil
	}
	return []string{settings.Proxy}
}

func httpClientFor(cfg config.HTTPIngestConfig) *http.Client {
	opts := []httpkit.ClientOption{httpkit.WithUserAgent(buildinfo.UserAgent()), httpkit.WithRetry(3, 500*time.Millisecond)}
	if cfg.Proxy != "" {
		opts = append(opts, httpkit.WithProxyURL(cfg.Proxy))
	}
	return httpkit.NewClient(opts...)
}

// recoverBacklog implements the boot half of the backlog persistence
// contract (spec.md §4.B): any retryBuffer*.txt left over from a prior
// run is renamed to a timestamped copy (so a subsequent crash mid-drain
// doesn't clobber it) and its lines are pushed back onto every retry
// channel's backlog, which immediately attempts to drain them.
func recoverBacklog(logger *slog.Logger, dir string, retries ...*channel.Retry) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "retryBuffer") && strings.HasSuffix(e.Name(), ".txt") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("retry backlog: recover read failed", "path", path, "error", err)
			continue
		}
		recovered := filepath.Join(dir, fmt.Sprintf("%s.recovered-%d", name, time.Now().Unix()))
		if err := os.Rename(path, recovered); err != nil {
			logger.Warn("retry backlog: recover rename failed", "path", path, "error", err)
			continue
		}
		var lines [][]byte
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			if line == "" {
				continue
			}
			lines = append(lines, []byte(line))
		}
		if len(lines) == 0 {
			continue
		}
		for _, r := range retries {
			r.Recover(lines)
		}
		logger.Info("retry backlog recovered", "path", path, "renamed", recovered, "count", len(lines))
	}
}

func persistBacklog(logger *slog.Logger, dir string, snapshot [][]byte, firstFailure time.Time) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("retry backlog: mkdir failed", "dir", dir, "error", err)
		return
	}
	name := fmt.Sprintf("retryBuffer-%d.txt", firstFailure.Unix())
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		logger.Error("retry backlog: create failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	for _, item := range snapshot {
		f.Write(item)
		f.Write([]byte("\n"))
	}
	logger.Info("retry backlog persisted", "path", path, "count", len(snapshot))
}
