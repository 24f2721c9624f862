// Package tracking turns raw rigid-body samples into device movements.
// Samples of linked markers update their device, everything else is kept as
// unlinked so pairing can look for a gesture.
package tracking

import (
	"log/slog"
	"maps"
	"time"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/core"
)

// Devices is the part of the registry the controller needs.
type Devices interface {
	DeviceByMarker(markerID string) (*registry.Device, bool)
	UpdateRigidBody(deviceID string, rb core.RigidBody) bool
}

// Config holds tracking settings.
type Config struct {
	// Jitter is the displacement in meters below which tracked samples are dropped.
	Jitter            float64
	HeartbeatInterval time.Duration
}

// Controller filters samples and keeps unlinked and virtual bodies.
// It must be used from the event loop.
type Controller struct {
	registry.NopObserver

	cfg     Config
	devices Devices
	logger  *slog.Logger
	now     func() time.Time

	unlinked   map[string]core.RigidBody
	virtual    map[string]core.RigidBody
	timeOffset int64
	lastSample time.Time
	seenFirst  bool
}

// New creates a tracking controller.
func New(cfg Config, devices Devices, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		devices:  devices,
		logger:   logger,
		now:      time.Now,
		unlinked: make(map[string]core.RigidBody),
		virtual:  make(map[string]core.RigidBody),
	}
}

// HandleSample processes one sample from the tracking feed.
func (c *Controller) HandleSample(rb core.RigidBody) {
	now := c.now()
	if !c.seenFirst {
		c.seenFirst = true
		c.timeOffset = now.UnixMilli() - rb.Timestamp
		c.logger.Debug("received first tracking sample", "marker", rb.ID, "offsetMs", c.timeOffset)
	}
	c.lastSample = now
	c.handle(rb)
}

func (c *Controller) handle(rb core.RigidBody) {
	d, ok := c.devices.DeviceByMarker(rb.ID)
	if !ok {
		c.unlinked[rb.ID] = rb
		return
	}

	if rb.Virtual() {
		c.devices.UpdateRigidBody(d.ID, rb)
		return
	}

	rb = rb.InvertZ()
	if rb.DistanceTo(d.RigidBody) > c.cfg.Jitter {
		c.devices.UpdateRigidBody(d.ID, rb)
	}
}

// Unlinked returns a copy of the markers not linked to any device.
func (c *Controller) Unlinked() map[string]core.RigidBody {
	return maps.Clone(c.unlinked)
}

// UnlinkedBody returns the latest sample of an unlinked marker.
func (c *Controller) UnlinkedBody(markerID string) (core.RigidBody, bool) {
	rb, ok := c.unlinked[markerID]
	return rb, ok
}

// CreateVirtual creates the rigid body of a virtual device at the origin.
func (c *Controller) CreateVirtual(info core.DeviceInfo) core.RigidBody {
	rb := core.RigidBody{
		ID:          core.VirtualID(info.ID),
		Name:        "[Virt] " + info.Name,
		Orientation: [4]float64{0, 0, 0, -1},
		Timestamp:   c.now().UnixMilli() - c.timeOffset,
	}
	c.virtual[rb.ID] = rb
	c.handle(rb)
	return rb
}

// MoveVirtual stores a pose set through the debug UI.
func (c *Controller) MoveVirtual(rb core.RigidBody) {
	rb = rb.InvertZ()
	c.virtual[rb.ID] = rb
	c.handle(rb)
}

// Virtual returns a copy of the virtual bodies.
func (c *Controller) Virtual() map[string]core.RigidBody {
	return maps.Clone(c.virtual)
}

// StartHeartbeat periodically resubmits every virtual body.
func (c *Controller) StartHeartbeat(s dispatcher.Scheduler) dispatcher.CancelFunc {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 400 * time.Millisecond
	}
	return s.Every(interval, func() {
		for _, rb := range c.virtual {
			c.handle(rb)
		}
	})
}

// LastSampleAt returns when the feed last delivered a sample.
func (c *Controller) LastSampleAt() time.Time { return c.lastSample }

// TimeOffset is the wall clock minus the feed clock in milliseconds.
func (c *Controller) TimeOffset() int64 { return c.timeOffset }

// DeviceAdded forgets the marker of a newly linked device.
func (c *Controller) DeviceAdded(d *registry.Device) {
	delete(c.unlinked, d.RigidBody.ID)
}

// DeviceRelinked forgets the marker a device was moved to.
func (c *Controller) DeviceRelinked(d *registry.Device, _ string) {
	delete(c.unlinked, d.RigidBody.ID)
}
