package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"meshcounter/pkg/config"
	netstack "meshcounter/pkg/core/netstack"
	"meshcounter/pkg/core/priocq"
	"meshcounter/pkg/events"
	"meshcounter/pkg/node"
	"meshcounter/pkg/observability"
	"meshcounter/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}
	if opts.NodeID != "" {
		cfg.Node.DeviceID = opts.NodeID
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("meshcounter-node starting", zap.String("app", cfg.AppName))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		srv := serveMetrics(cfg.Metrics, reg)
		defer func() { _ = srv.Close() }()
	}

	if cfg.Node.DeviceID == "" {
		cfg.Node.DeviceID = uuid.NewString()
		zap.L().Info("generated device id", zap.String("device_id", cfg.Node.DeviceID))
	}
	bus := events.NewBus()
	mgr := transport.NewManager(cfg.Node.DeviceID)
	n, err := node.New(cfg, mgr, node.Options{
		Events:     bus,
		Metrics:    metrics,
		Disconnect: mgr.ClosePeer,
	})
	if err != nil {
		zap.L().Error("failed to build node", zap.Error(err))
		return 1
	}

	sub, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	counts := newTally()
	go consume(sub, n, mgr, counts)

	if err := n.Start(ctx); err != nil {
		zap.L().Error("failed to start node", zap.Error(err))
		return 1
	}
	defer n.Stop()

	stack := netstack.New(mgr, n, netstack.OptionsFromConfig(cfg.Net))
	stack.Start(ctx, cfg.Transports)
	defer func() {
		stack.Close()
		stack.Wait()
	}()

	zap.L().Info("node is running; press Ctrl+C to exit", zap.String("device_id", n.ID()))
	if opts.EmitEvery > 0 {
		emitAttendance(ctx, n, counts, opts.EmitEvery)
	} else {
		<-ctx.Done()
	}
	zap.L().Info("shutting down", zap.Int64("attendance_total", counts.total()), zap.Strings("devices", counts.devices()))
	return 0
}

func serveMetrics(c config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(c.Path, observability.Handler(reg))
	srv := &http.Server{Addr: c.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("metrics server", zap.Error(err))
		}
	}()
	zap.L().Info("metrics listening", zap.String("addr", c.Listen), zap.String("path", c.Path))
	return srv
}

// emitAttendance simulates one check-in per period and broadcasts the
// local running count until ctx is done.
func emitAttendance(ctx context.Context, n *node.Node, counts *tally, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		seq++
		a := attendance{DeviceID: n.ID(), Count: int64(seq), Sequence: seq}
		counts.apply(a)
		body, err := n.Codec().Marshal(a)
		if err != nil {
			zap.L().Warn("encode attendance", zap.Error(err))
			continue
		}
		id, err := n.Broadcast(body, attendanceType, priocq.Medium, "")
		switch {
		case errors.Is(err, node.ErrNoPeers):
			zap.L().Debug("attendance kept local; no peers", zap.Int64("count", a.Count))
		case err != nil:
			zap.L().Warn("attendance broadcast failed", zap.Error(err))
		default:
			zap.L().Info("attendance broadcast", zap.String("message", id), zap.Int64("count", a.Count), zap.Int64("total", counts.total()))
		}
	}
}

// consume applies mesh events to the application and the transport.
func consume(sub <-chan events.Event, n *node.Node, mgr *transport.Manager, counts *tally) {
	for e := range sub {
		switch p := e.Payload.(type) {
		case events.MessagePayload:
			if p.Type != attendanceType {
				continue
			}
			a, err := decodeAttendance(n.Codec(), p.Data)
			if err != nil {
				zap.L().Debug("bad attendance report", zap.String("from", p.From), zap.Error(err))
				continue
			}
			if counts.apply(a) {
				zap.L().Info("attendance update", zap.String("device", a.DeviceID), zap.Int64("count", a.Count), zap.Int64("total", counts.total()))
			}
		case events.ConnectionPayload:
			if e.Name == events.DisconnectionRequest {
				zap.L().Info("closing surplus link", zap.String("peer", p.TargetID))
				mgr.ClosePeer(p.TargetID)
			}
		case events.HealthPayload:
			zap.L().Debug("mesh health", zap.Int("direct", p.DirectPeers), zap.Int("total", p.TotalPeers), zap.Float64("stability", p.MeshStability))
		case events.TimeoutPayload:
			zap.L().Info("peer timed out", zap.String("peer", p.DeviceID))
		}
	}
}
