// Package pairing identifies which unlinked marker belongs to a device by
// waiting for the user to move it.
package pairing

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/pkg/core"
)

// ErrBusy is returned when a pairing is already running.
var ErrBusy = errors.New("pairing already in progress")

// Bodies provides the current unlinked markers.
type Bodies interface {
	Unlinked() map[string]core.RigidBody
}

// ResultFunc receives the moved marker, or ok=false on timeout.
type ResultFunc func(rb core.RigidBody, ok bool)

// Config holds pairing settings.
type Config struct {
	// Threshold is the displacement in meters that counts as a gesture.
	Threshold float64
	Tick      time.Duration
	Timeout   time.Duration
}

// Controller runs at most one pairing at a time. It must be used from the
// event loop.
type Controller struct {
	cfg    Config
	bodies Bodies
	sched  dispatcher.Scheduler
	logger *slog.Logger

	busy        bool
	atStart     map[string]core.RigidBody
	onResult    ResultFunc
	stopTick    dispatcher.CancelFunc
	stopTimeout dispatcher.CancelFunc

	outcomes metric.Int64Counter
}

// New creates a pairing controller.
func New(cfg Config, bodies Bodies, sched dispatcher.Scheduler, logger *slog.Logger) (*Controller, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	outcomes, err := otel.Meter("github.com/vistiles/server/internal/pairing").Int64Counter(
		"pairing.outcomes",
		metric.WithDescription("Finished pairing attempts by result"),
	)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		bodies:   bodies,
		sched:    sched,
		logger:   logger,
		outcomes: outcomes,
	}, nil
}

// Busy reports whether a pairing is running.
func (c *Controller) Busy() bool { return c.busy }

// Pair snapshots the unlinked markers and resolves onResult with the first
// one moved beyond the threshold, or with ok=false after the timeout.
func (c *Controller) Pair(onResult ResultFunc) error {
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	c.atStart = c.bodies.Unlinked()
	c.onResult = onResult
	c.stopTick = c.sched.Every(c.cfg.Tick, c.validate)
	c.stopTimeout = c.sched.After(c.cfg.Timeout, c.timeout)
	c.logger.Debug("pairing started", "markers", len(c.atStart))
	return nil
}

func (c *Controller) validate() {
	current := c.bodies.Unlinked()

	ids := make([]string, 0, len(c.atStart))
	for id := range c.atStart {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		now, ok := current[id]
		if !ok {
			continue
		}
		if c.atStart[id].DistanceTo(now) > c.cfg.Threshold {
			c.logger.Info("pairing gesture detected", "marker", id)
			c.finish(now, true)
			return
		}
	}
}

func (c *Controller) timeout() {
	c.logger.Info("pairing timed out")
	c.finish(core.RigidBody{}, false)
}

func (c *Controller) finish(rb core.RigidBody, ok bool) {
	c.stop()
	cb := c.onResult
	c.onResult = nil

	result := "timeout"
	if ok {
		result = "matched"
	}
	c.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))

	if cb != nil {
		cb(rb, ok)
	}
}

// Cancel aborts a running pairing without invoking its callback.
func (c *Controller) Cancel() {
	if !c.busy {
		return
	}
	c.stop()
	c.onResult = nil
}

func (c *Controller) stop() {
	if c.stopTick != nil {
		c.stopTick()
	}
	if c.stopTimeout != nil {
		c.stopTimeout()
	}
	c.stopTick, c.stopTimeout = nil, nil
	c.atStart = nil
	c.busy = false
}
