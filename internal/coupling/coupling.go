// Package coupling turns identification requests from device clients into
// registered devices: shake-to-pair, reconnection of known devices and
// simulated pairing of virtual devices.
package coupling

import (
	"log/slog"
	"slices"
	"time"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/pairing"
	"github.com/vistiles/server/internal/queue"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/internal/tracking"
	"github.com/vistiles/server/pkg/core"
	"github.com/vistiles/server/pkg/streaming"
)

// Sender delivers a message to one connection.
type Sender interface {
	Send(connID, msgType string, payload any) error
}

// Dependencies holds the collaborators of the controller.
type Dependencies struct {
	Registry *registry.Registry
	Tracker  *tracking.Controller
	Pairing  *pairing.Controller
	Sched    dispatcher.Scheduler
	Sender   Sender
	Logger   *slog.Logger
	// RetryDelay is how long a pairing request waits while another pairing runs.
	RetryDelay time.Duration
}

type pendingPairing struct {
	connID string
	info   core.DeviceInfo
}

// Controller handles connectionRequest, pairingRequest and virtualPairing.
// It must be used from the event loop.
type Controller struct {
	deps       Dependencies
	pending    *queue.Queue[pendingPairing]
	cancelWait dispatcher.CancelFunc
	pairingFor string
}

// New creates a coupling controller.
func New(deps Dependencies) *Controller {
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = 2 * time.Second
	}
	return &Controller{
		deps:    deps,
		pending: queue.New[pendingPairing](),
	}
}

// PairingRequest starts the pairing gesture for a device, or queues the
// request while another device is pairing.
func (c *Controller) PairingRequest(connID string, info core.DeviceInfo) {
	if c.deps.Pairing.Busy() || !c.pending.Empty() {
		c.pending.Push(pendingPairing{connID: connID, info: info})
		c.deps.Logger.Info("pairing busy, request queued", "device", info.ID, "queued", c.pending.Len())
		c.scheduleRetry()
		return
	}
	c.startPairing(connID, info)
}

func (c *Controller) startPairing(connID string, info core.DeviceInfo) {
	err := c.deps.Pairing.Pair(func(rb core.RigidBody, ok bool) {
		c.pairingFor = ""
		c.onPairing(connID, info, rb, ok)
	})
	if err != nil {
		c.deps.Logger.Warn("could not start pairing", "device", info.ID, "error", err)
		return
	}
	c.pairingFor = connID
	c.deps.Registry.NotifyPairing(info)
	c.send(connID, streaming.TypePairingStarted, nil)
}

func (c *Controller) scheduleRetry() {
	if c.cancelWait != nil {
		return
	}
	c.cancelWait = c.deps.Sched.After(c.deps.RetryDelay, c.retry)
}

func (c *Controller) retry() {
	c.cancelWait = nil
	if !c.deps.Pairing.Busy() {
		if next, ok := c.pending.Pop(); ok {
			c.startPairing(next.connID, next.info)
		}
	}
	if !c.pending.Empty() {
		c.scheduleRetry()
	}
}

func (c *Controller) onPairing(connID string, info core.DeviceInfo, rb core.RigidBody, ok bool) {
	if !ok {
		c.deps.Logger.Info("pairing failed", "device", info.ID)
		c.send(connID, streaming.TypePairingResult, streaming.PairingResult{Successful: false})
		return
	}

	d, added := c.link(connID, info, rb)
	successful := added || d.ID == info.ID
	if !added && successful {
		d.ConnID = connID
	}
	if !successful {
		c.deps.Logger.Warn("paired marker already belongs to another device", "device", info.ID, "marker", rb.ID, "owner", d.ID)
	}
	c.send(connID, streaming.TypePairingResult, streaming.PairingResult{Successful: successful})
}

// link registers the device on the marker. Tracked markers are stored with
// the same depth convention as live samples.
func (c *Controller) link(connID string, info core.DeviceInfo, rb core.RigidBody) (*registry.Device, bool) {
	kind := core.KindTracked
	if rb.Virtual() {
		kind = core.KindVirtual
	} else {
		rb = rb.InvertZ()
	}
	return c.deps.Registry.AddDevice(info, rb, kind, connID)
}

// ConnectionRequest binds a reconnecting device. A device that is not
// registered yet is linked when one of the unlinked markers was persisted for
// it. Otherwise the client is told to pair.
func (c *Controller) ConnectionRequest(connID string, info core.DeviceInfo) {
	if d, ok := c.deps.Registry.Device(info.ID); ok {
		d.ConnID = connID
		c.send(connID, streaming.TypeConnectionResponse, streaming.ConnectionResponse{Paired: true, Color: d.Color})
		return
	}

	unlinked := c.deps.Tracker.Unlinked()
	markers := make([]string, 0, len(unlinked))
	for id := range unlinked {
		markers = append(markers, id)
	}
	slices.Sort(markers)

	for _, markerID := range markers {
		l, ok := c.deps.Registry.Link(markerID)
		if !ok || l.DeviceID != info.ID {
			continue
		}
		d, added := c.link(connID, info, unlinked[markerID])
		if !added {
			break
		}
		c.deps.Logger.Info("device reconnected on persisted marker", "device", d.ID, "marker", markerID)
		c.send(connID, streaming.TypeConnectionResponse, streaming.ConnectionResponse{Paired: true, Color: d.Color})
		return
	}

	c.send(connID, streaming.TypeConnectionResponse, streaming.ConnectionResponse{Paired: false})
}

// VirtualPairing creates a virtual rigid body for the device and registers it
// right away. connID is empty when the request comes from a debug client.
func (c *Controller) VirtualPairing(connID string, info core.DeviceInfo) (*registry.Device, bool) {
	if d, ok := c.deps.Registry.Device(info.ID); ok {
		if connID != "" {
			d.ConnID = connID
		}
		return d, false
	}
	rb := c.deps.Tracker.CreateVirtual(info)
	return c.deps.Registry.AddDevice(info, rb, core.KindVirtual, connID)
}

// ConnectionClosed drops queued pairing requests of a connection and aborts
// its running pairing.
func (c *Controller) ConnectionClosed(connID string) {
	if n := c.pending.RemoveFunc(func(p pendingPairing) bool { return p.connID == connID }); n > 0 {
		c.deps.Logger.Debug("dropped queued pairing requests", "conn", connID, "count", n)
	}
	if c.pairingFor == connID && connID != "" {
		c.deps.Pairing.Cancel()
		c.pairingFor = ""
		if c.cancelWait != nil {
			c.cancelWait()
		}
		c.retry()
	}
}

// Queued returns the number of pairing requests waiting.
func (c *Controller) Queued() int { return c.pending.Len() }

func (c *Controller) send(connID, msgType string, payload any) {
	if connID == "" {
		return
	}
	if err := c.deps.Sender.Send(connID, msgType, payload); err != nil {
		c.deps.Logger.Warn("send failed", "conn", connID, "type", msgType, "error", err)
	}
}
