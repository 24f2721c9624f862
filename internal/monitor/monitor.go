// Package monitor serves the debug clients: the debug context, virtual
// devices, feed activity and a fan-out of registry events.
package monitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/hub"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/core"
	"github.com/vistiles/server/pkg/streaming"
)

// ActivityWindow is how recent the last feed sample must be for the feed to
// count as active.
const ActivityWindow = time.Second

// Devices is the part of the registry the monitor reads.
type Devices interface {
	Devices() []*registry.Device
	InactiveLinks() []core.MarkerLink
}

// Tracker is the part of the tracking controller the monitor drives.
type Tracker interface {
	MoveVirtual(rb core.RigidBody)
	LastSampleAt() time.Time
}

// VirtualPairer registers virtual devices.
type VirtualPairer interface {
	VirtualPairing(connID string, info core.DeviceInfo) (*registry.Device, bool)
}

// Transport delivers messages to debug clients.
type Transport interface {
	Send(connID, msgType string, payload any) error
	Broadcast(class hub.Class, msgType string, payload any) error
}

// Dependencies holds all dependencies for the monitor service.
type Dependencies struct {
	Devices   Devices
	Tracker   Tracker
	Pairer    VirtualPairer
	Transport Transport
	Scheduler dispatcher.Scheduler
	// AreaWidth and AreaHeight are the table size in centimeters.
	AreaWidth  float64
	AreaHeight float64
	Logger     *slog.Logger
}

// Service is the debug service. Apart from Start and Stop it must be used
// from the event loop.
type Service struct {
	registry.NopObserver

	deps Dependencies
	now  func() time.Time
	stop dispatcher.CancelFunc
}

// NewService creates a new monitor service.
func NewService(deps Dependencies) *Service {
	return &Service{deps: deps, now: time.Now}
}

// Start broadcasts the feed activity once per second.
func (s *Service) Start() {
	if s.stop != nil {
		return
	}
	s.stop = s.deps.Scheduler.Every(ActivityWindow, func() {
		s.broadcast(streaming.TypeOscActivity, s.FeedActive())
	})
}

// Stop ends the activity broadcast.
func (s *Service) Stop() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}

// FeedActive reports whether the tracking feed delivered a sample within
// the activity window.
func (s *Service) FeedActive() bool {
	last := s.deps.Tracker.LastSampleAt()
	return !last.IsZero() && s.now().Sub(last) < ActivityWindow
}

// Context builds the debug context.
func (s *Service) Context() streaming.DebugContext {
	devices := s.deps.Devices.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, NewDeviceView(d))
	}
	inactive := s.deps.Devices.InactiveLinks()
	if inactive == nil {
		inactive = []core.MarkerLink{}
	}
	return streaming.DebugContext{
		Devices:         views,
		InactiveDevices: inactive,
		Table:           streaming.TableSize{Width: s.deps.AreaWidth, Height: s.deps.AreaHeight},
		ValueRange: streaming.ValueRange{
			MaxX: s.deps.AreaWidth / 100,
			MaxY: s.deps.AreaHeight / 100,
		},
	}
}

// RegisterHandlers registers the debug commands. All of them run on the
// event loop.
func (s *Service) RegisterHandlers(d *dispatcher.Dispatcher, l *dispatcher.Loop) {
	d.Register(streaming.TypeRequestDebugContext, s.handleRequestContext, dispatcher.OnLoop(l), dispatcher.Logged())
	d.Register(streaming.TypeVirtualPairing, s.handleVirtualPairing, dispatcher.OnLoop(l), dispatcher.Logged())
	d.Register(streaming.TypeVirtualRigidBodyMoved, s.handleVirtualMoved, dispatcher.OnLoop(l))
}

func (s *Service) handleRequestContext(e dispatcher.Event) (any, error) {
	ctx := s.Context()
	if err := s.deps.Transport.Send(e.ConnID, streaming.TypeDebugContextData, ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

func (s *Service) handleVirtualPairing(e dispatcher.Event) (any, error) {
	var info core.DeviceInfo
	if err := e.Decode(&info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, fmt.Errorf("%s: missing device id", e.Command)
	}
	// The debug client is not the device, so no connection is bound.
	d, _ := s.deps.Pairer.VirtualPairing("", info)
	return d.ID, nil
}

func (s *Service) handleVirtualMoved(e dispatcher.Event) (any, error) {
	var rb core.RigidBody
	if err := e.Decode(&rb); err != nil {
		return nil, err
	}
	if !core.IsVirtualID(rb.ID) {
		return nil, fmt.Errorf("%s: %q is not a virtual body", e.Command, rb.ID)
	}
	s.deps.Tracker.MoveVirtual(rb)
	return nil, nil
}

func (s *Service) DeviceAdded(d *registry.Device) {
	s.broadcast(streaming.TypeDeviceAdded, NewDeviceView(d))
}

func (s *Service) DeviceMoved(d *registry.Device) {
	s.broadcast(streaming.TypeDevicePosChanged, streaming.DevicePosChanged{Device: NewDeviceView(d)})
}

func (s *Service) PairingStarted(info core.DeviceInfo) {
	s.broadcast(streaming.TypeDevicePairingStarted, info)
}

func (s *Service) ProximityUpdated(p *proximity.Proximity) {
	s.broadcast(streaming.TypeProximityUpdated, NewProximityView(p))
}

func (s *Service) broadcast(msgType string, payload any) {
	if err := s.deps.Transport.Broadcast(hub.ClassDebug, msgType, payload); err != nil {
		s.deps.Logger.Warn("debug broadcast failed", "type", msgType, "error", err)
	}
}
