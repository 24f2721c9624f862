// Command vistiles runs the spatial coordination server for tracked tablets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/vistiles/server/internal/api"
	"github.com/vistiles/server/internal/config"
	"github.com/vistiles/server/internal/coupling"
	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/feed"
	"github.com/vistiles/server/internal/hub"
	"github.com/vistiles/server/internal/logging"
	"github.com/vistiles/server/internal/monitor"
	"github.com/vistiles/server/internal/pairing"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/internal/store"
	"github.com/vistiles/server/internal/telemetry"
	"github.com/vistiles/server/internal/tracking"
	"github.com/vistiles/server/internal/workspace"
	"github.com/vistiles/server/pkg/core"
)

// module defs - set at build time via ldflags
var (
	Version   = "0.0.1"
	BuildDate = "unknown"
)

const appName = "vistiles"

func main() {
	fs := pflag.NewFlagSet(appName, pflag.ExitOnError)
	configDir := fs.String("config", ".", "directory containing "+config.FileName)
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("addr", ":3000", "HTTP listen address")
	_ = fs.Parse(os.Args[1:])

	// A missing .env is not an error.
	_ = godotenv.Load()

	if err := config.Load(*configDir); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := config.BindFlags(fs); err != nil {
		fmt.Fprintf(os.Stderr, "binding flags: %v\n", err)
		os.Exit(1)
	}

	var err error
	if fs.Arg(0) == "healthcheck" {
		err = healthcheck()
	} else {
		err = run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// healthcheck queries a running server and fails unless it reports ok.
func healthcheck() error {
	sc, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	addr := sc.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := api.New("http://" + addr).Healthcheck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s devices=%d workspaces=%d feedActive=%t\n", h.Status, h.Devices, h.Workspaces, h.FeedActive)
	if h.Status != "ok" {
		return fmt.Errorf("server reports status %q", h.Status)
	}
	return nil
}

// logState is refreshed on the loop and read by the log handler from any goroutine.
type logState struct {
	devices atomic.Int64
	pairing atomic.Bool
}

func (s *logState) attrs() []slog.Attr {
	return []slog.Attr{
		slog.Int64("devices", s.devices.Load()),
		slog.Bool("pairing", s.pairing.Load()),
	}
}

// openLogFile returns nil when the session log cannot be created; logging
// then goes to stdout only.
func openLogFile() io.Writer {
	f, err := logging.OpenLogFile(config.GetString("logsDir"), appName, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil
	}
	return f
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := config.GetString("logLevel")
	logFile := openLogFile()
	if c, ok := logFile.(io.Closer); ok {
		defer c.Close()
	}

	gc, err := config.GetGraylogConfig()
	if err != nil {
		return err
	}
	graylog := ""
	if gc.Enabled {
		graylog = gc.Address
	}

	state := &logState{}
	slogManager := logging.NewSlogManager()
	slogManager.Setup(logging.Options{
		Level:          level,
		File:           logFile,
		GraylogAddress: graylog,
		Context:        state.attrs,
	})
	defer slogManager.Close()
	logger := slogManager.Logger()
	logger.Info("Starting up", "version", Version, "buildDate", BuildDate)

	trackingCfg, err := config.GetTrackingConfig()
	if err != nil {
		return err
	}
	pairingCfg, err := config.GetPairingConfig()
	if err != nil {
		return err
	}
	proximityCfg, err := config.GetProximityConfig()
	if err != nil {
		return err
	}
	alignmentCfg, err := config.GetAlignmentConfig()
	if err != nil {
		return err
	}
	oscCfg, err := config.GetOSCConfig()
	if err != nil {
		return err
	}
	serverCfg, err := config.GetServerConfig()
	if err != nil {
		return err
	}
	storeCfg, err := config.GetStoreConfig()
	if err != nil {
		return err
	}
	influxCfg, err := config.GetInfluxConfig()
	if err != nil {
		return err
	}
	appCfg, err := config.GetAppConfig()
	if err != nil {
		return err
	}

	loop, err := dispatcher.NewLoop(serverCfg.QueueSize, logger)
	if err != nil {
		return fmt.Errorf("creating event loop: %w", err)
	}

	// Marker links survive restarts; without a database they live in memory.
	var links registry.LinkStore
	db := store.NewManager(storeCfg, logging.NewZerolog(level, logFile, "store"))
	if err := db.Connect(); err != nil {
		logger.Error("Marker store unavailable, links are kept in memory", "error", err)
	} else if err := db.Setup(); err != nil {
		logger.Error("Marker store setup failed, links are kept in memory", "error", err)
	} else {
		links = db
		defer db.Close()
	}

	reg := registry.New(registry.Config{
		Thresholds:      proximityCfg.Thresholds(),
		Interval:        proximityCfg.Interval,
		WorkspaceColors: appCfg.WorkspaceColors,
		DeviceColors:    appCfg.DeviceColors,
	}, loop, links, logger)
	defer reg.Close()

	if links != nil {
		loaded, err := db.LoadLinks(ctx)
		if err != nil {
			logger.Error("Failed to load marker links", "error", err)
		} else {
			reg.LoadLinks(loaded)
			logger.Info("Loaded marker links", "count", len(loaded))
		}
	}

	tracker := tracking.New(tracking.Config{
		Jitter:            trackingCfg.Jitter,
		HeartbeatInterval: trackingCfg.HeartbeatInterval,
	}, reg, logger)
	reg.Subscribe(tracker)

	pairer, err := pairing.New(pairing.Config{
		Threshold: pairingCfg.Threshold,
		Tick:      pairingCfg.Tick,
		Timeout:   pairingCfg.Timeout,
	}, tracker, loop, logger)
	if err != nil {
		return fmt.Errorf("creating pairing controller: %w", err)
	}

	deviceEvents, err := dispatcher.New(logger)
	if err != nil {
		return fmt.Errorf("creating device dispatcher: %w", err)
	}
	debugEvents, err := dispatcher.New(logging.NewDispatcherLogger(logging.NewZerolog(level, logFile, "debug")))
	if err != nil {
		return fmt.Errorf("creating debug dispatcher: %w", err)
	}

	sockets := hub.New(deviceEvents, debugEvents, logger)
	defer sockets.Close()

	couplings := coupling.New(coupling.Dependencies{
		Registry:   reg,
		Tracker:    tracker,
		Pairing:    pairer,
		Sched:      loop,
		Sender:     sockets,
		Logger:     logger,
		RetryDelay: pairingCfg.RetryDelay,
	})
	couplings.RegisterHandlers(deviceEvents, loop)

	workspaces, err := workspace.New(workspace.Config{
		Catalog:          appCfg.Catalog(),
		Menu:             appCfg.Menu(),
		AlignmentTimeout: alignmentCfg.Timeout,
	}, reg, loop, sockets, logger)
	if err != nil {
		return fmt.Errorf("creating workspace controller: %w", err)
	}
	reg.Subscribe(workspaces)
	workspaces.RegisterHandlers(deviceEvents, loop)

	debug := monitor.NewService(monitor.Dependencies{
		Devices:    reg,
		Tracker:    tracker,
		Pairer:     couplings,
		Transport:  sockets,
		Scheduler:  loop,
		AreaWidth:  trackingCfg.AreaWidth,
		AreaHeight: trackingCfg.AreaHeight,
		Logger:     logger,
	})
	reg.Subscribe(debug)
	debug.RegisterHandlers(debugEvents, loop)

	influx := telemetry.NewManager(influxCfg, logging.NewZerolog(level, logFile, "telemetry"))
	if err := influx.Connect(ctx); err == nil {
		reg.Subscribe(telemetry.NewObserver(influx))
		defer influx.Close()
	} else if !errors.Is(err, telemetry.ErrDisabled) {
		logger.Error("Telemetry unavailable", "error", err)
	}

	sockets.OnClose(func(connID string, class hub.Class) {
		if class != hub.ClassDevice {
			return
		}
		loop.Post(func() {
			couplings.ConnectionClosed(connID)
			workspaces.Disconnect(connID)
		})
	})

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	stopHeartbeat := tracker.StartHeartbeat(loop)
	defer stopHeartbeat()
	stopLogState := loop.Every(time.Second, func() {
		state.devices.Store(int64(reg.Len()))
		state.pairing.Store(pairer.Busy())
	})
	defer stopLogState()
	debug.Start()
	defer debug.Stop()

	listener := feed.NewListener(feed.Config{
		Listen:  fmt.Sprintf("%s:%d", oscCfg.Address, oscCfg.Port),
		Address: oscCfg.Path,
	}, func(rb core.RigidBody) bool {
		return loop.TryPost(func() { tracker.HandleSample(rb) })
	}, logger)
	go func() {
		if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Tracking feed stopped", "error", err)
		}
	}()

	apiMux := http.NewServeMux()
	api.NewServer(api.Dependencies{
		Loop:        loop,
		Devices:     reg,
		Workspaces:  workspaces,
		Debug:       debug,
		Connections: sockets,
		Logger:      logger,
	}).Register(apiMux)

	// The request logger hides http.Hijacker, so sockets bypass it.
	mux := http.NewServeMux()
	sockets.Register(mux)
	mux.Handle("/api/", api.Logging(logger, apiMux))

	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", serverCfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-srvErr:
		stop()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", "error", err)
	}
	<-loopDone

	received, dropped := listener.Stats()
	logger.Info("Stopped", "samples", received, "dropped", dropped)
	return nil
}
