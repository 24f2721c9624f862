// Package registry owns every Device, Proximity, Workspace and SubGroup of
// the running server. All cross references are ids resolved through the
// registry. Methods must be called from the event loop.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/proximity"
	"github.com/vistiles/server/pkg/core"
)

var (
	// ErrUnknown is returned when an id cannot be resolved.
	ErrUnknown = errors.New("unknown entity")
)

// Observer receives registry notifications. Embed NopObserver to implement
// only the methods of interest.
type Observer interface {
	DeviceAdded(d *Device)
	DeviceMoved(d *Device)
	DeviceRelinked(d *Device, previousMarker string)
	ProximityChanged(p *proximity.Proximity)
	ProximityUpdated(p *proximity.Proximity)
	PairingStarted(info core.DeviceInfo)
}

// NopObserver implements Observer with empty methods.
type NopObserver struct{}

func (NopObserver) DeviceAdded(*Device) {}
func (NopObserver) DeviceMoved(*Device) {}
func (NopObserver) DeviceRelinked(*Device, string) {}
func (NopObserver) ProximityChanged(*proximity.Proximity) {}
func (NopObserver) ProximityUpdated(*proximity.Proximity) {}
func (NopObserver) PairingStarted(core.DeviceInfo) {}

// LinkStore persists marker links of tracked devices.
type LinkStore interface {
	SaveLink(ctx context.Context, link core.MarkerLink) error
}

// Config holds registry settings.
type Config struct {
	Thresholds      proximity.Thresholds
	Interval        time.Duration
	WorkspaceColors []string
	DeviceColors    [][]string
}

type pair struct {
	p    *proximity.Proximity
	stop dispatcher.CancelFunc
}

// Registry is the arena of coordination state.
type Registry struct {
	cfg    Config
	sched  dispatcher.Scheduler
	writer *linkWriter
	logger *slog.Logger

	devices   map[string]*Device
	markers   map[string]string          // marker id -> device id, every registered device
	links     map[string]core.MarkerLink // persisted links of tracked devices
	pairs     []pair
	observers []Observer

	workspaces     map[string]*Workspace
	workspaceOrder []string
	subGroups      map[string]*SubGroup
	nextWorkspace  int
	nextSubGroup   int
	nextColor      int
}

// New creates a registry with the master workspace already in place.
// store may be nil, in which case links only live in memory.
func New(cfg Config, sched dispatcher.Scheduler, store LinkStore, logger *slog.Logger) *Registry {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	r := &Registry{
		cfg:        cfg,
		sched:      sched,
		logger:     logger,
		devices:    make(map[string]*Device),
		markers:    make(map[string]string),
		links:      make(map[string]core.MarkerLink),
		workspaces: make(map[string]*Workspace),
		subGroups:  make(map[string]*SubGroup),
	}
	if store != nil {
		r.writer = newLinkWriter(store, logger)
	}
	r.NewWorkspace()
	return r
}

// Subscribe registers an observer. Observers are notified in subscription order.
func (r *Registry) Subscribe(o Observer) {
	r.observers = append(r.observers, o)
}

// LoadLinks seeds the persisted marker links, typically at startup.
func (r *Registry) LoadLinks(links []core.MarkerLink) {
	for _, l := range links {
		r.links[l.MarkerID] = l
	}
}

// AddDevice registers a paired device. It returns the owner and false when
// the marker is already linked. A device id that is registered on another
// marker is moved to the new one and reported as added.
func (r *Registry) AddDevice(info core.DeviceInfo, rb core.RigidBody, kind core.DeviceKind, connID string) (*Device, bool) {
	if id, ok := r.markers[rb.ID]; ok {
		return r.devices[id], false
	}
	if d, ok := r.devices[info.ID]; ok {
		r.relink(d, rb, kind, connID)
		return d, true
	}

	d := &Device{
		ID:              info.ID,
		Name:            info.Name,
		Size:            info.Size,
		DPI:             info.DPI,
		Borders:         info.Borders,
		Kind:            kind,
		RigidBody:       rb,
		ConnID:          connID,
		Color:           r.nextDeviceColor(),
		Objects:         []string{},
		FilteredObjects: []string{},
		Combinations:    make(combination.Offers),
	}

	if kind != core.KindVirtual {
		r.persistLink(d)
	}
	r.createProximities(d)
	r.devices[d.ID] = d
	r.markers[rb.ID] = d.ID

	r.logger.Info("device added", "device", d.ID, "name", d.Name, "marker", rb.ID, "kind", kind)
	for _, o := range r.observers {
		o.DeviceAdded(d)
	}
	return d, true
}

func (r *Registry) relink(d *Device, rb core.RigidBody, kind core.DeviceKind, connID string) {
	previous := d.RigidBody.ID
	delete(r.markers, previous)
	d.RigidBody = rb
	d.Kind = kind
	d.ConnID = connID
	r.markers[rb.ID] = d.ID
	if kind != core.KindVirtual {
		r.persistLink(d)
	}

	r.logger.Info("device relinked", "device", d.ID, "marker", rb.ID, "previous", previous)
	for _, o := range r.observers {
		o.DeviceRelinked(d, previous)
	}
	for _, o := range r.observers {
		o.DeviceMoved(d)
	}
}

func (r *Registry) persistLink(d *Device) {
	for marker, l := range r.links {
		if l.DeviceID == d.ID {
			delete(r.links, marker)
		}
	}
	link := core.MarkerLink{
		MarkerID:   d.RigidBody.ID,
		DeviceID:   d.ID,
		DeviceName: d.Name,
		RigidBody:  d.RigidBody,
	}
	r.links[link.MarkerID] = link

	if r.writer != nil {
		r.writer.enqueue(link)
	}
}

func (r *Registry) createProximities(d *Device) {
	for _, other := range r.Devices() {
		p := proximity.New(d.Sample(), other.Sample(), r.cfg.Thresholds)
		a, b := d.ID, other.ID
		stop := proximity.Watch(r.sched, r.cfg.Interval, p, func() (proximity.Sample, proximity.Sample, bool) {
			da, okA := r.devices[a]
			db, okB := r.devices[b]
			if !okA || !okB {
				return proximity.Sample{}, proximity.Sample{}, false
			}
			return da.Sample(), db.Sample(), true
		}, fanout{r})
		r.pairs = append(r.pairs, pair{p: p, stop: stop})
	}
}

func (r *Registry) nextDeviceColor() []string {
	if len(r.cfg.DeviceColors) == 0 {
		return nil
	}
	c := r.cfg.DeviceColors[r.nextColor%len(r.cfg.DeviceColors)]
	r.nextColor++
	return slices.Clone(c)
}

// Device looks up a device by id.
func (r *Registry) Device(id string) (*Device, bool) {
	d, ok := r.devices[id]
	return d, ok
}

// DeviceByMarker looks up the device linked to a tracking marker.
func (r *Registry) DeviceByMarker(markerID string) (*Device, bool) {
	id, ok := r.markers[markerID]
	if !ok {
		return nil, false
	}
	return r.Device(id)
}

// DeviceByConn looks up the device currently bound to a connection.
func (r *Registry) DeviceByConn(connID string) (*Device, bool) {
	if connID == "" {
		return nil, false
	}
	for _, d := range r.devices {
		if d.ConnID == connID {
			return d, true
		}
	}
	return nil, false
}

// Link returns the persisted link of a marker.
func (r *Registry) Link(markerID string) (core.MarkerLink, bool) {
	l, ok := r.links[markerID]
	return l, ok
}

// Links returns all persisted links ordered by marker id.
func (r *Registry) Links() []core.MarkerLink {
	out := make([]core.MarkerLink, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b core.MarkerLink) int { return strings.Compare(a.MarkerID, b.MarkerID) })
	return out
}

// InactiveLinks returns the persisted links whose device is not registered.
func (r *Registry) InactiveLinks() []core.MarkerLink {
	var out []core.MarkerLink
	for _, l := range r.Links() {
		if _, ok := r.devices[l.DeviceID]; !ok {
			out = append(out, l)
		}
	}
	return out
}

// Devices returns every device ordered by id.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *Device) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int { return len(r.devices) }

// UpdateRigidBody replaces the rigid body of a device and notifies observers.
func (r *Registry) UpdateRigidBody(deviceID string, rb core.RigidBody) bool {
	d, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	d.RigidBody = rb
	for _, o := range r.observers {
		o.DeviceMoved(d)
	}
	return true
}

// NotifyPairing tells observers a device started the pairing gesture.
func (r *Registry) NotifyPairing(info core.DeviceInfo) {
	for _, o := range r.observers {
		o.PairingStarted(info)
	}
}

// Proximity returns the pair of a and b in either order.
func (r *Registry) Proximity(a, b string) (*proximity.Proximity, bool) {
	for _, e := range r.pairs {
		if e.p.Involves(a) && e.p.Involves(b) && a != b {
			return e.p, true
		}
	}
	return nil, false
}

// Proximities returns every pair containing id.
func (r *Registry) Proximities(id string) []*proximity.Proximity {
	var out []*proximity.Proximity
	for _, e := range r.pairs {
		if e.p.Involves(id) {
			out = append(out, e.p)
		}
	}
	return out
}

// AllProximities returns every pair in creation order.
func (r *Registry) AllProximities() []*proximity.Proximity {
	out := make([]*proximity.Proximity, 0, len(r.pairs))
	for _, e := range r.pairs {
		out = append(out, e.p)
	}
	return out
}

// NearCount returns how many pairs containing id are in the near state.
func (r *Registry) NearCount(id string) int {
	n := 0
	for _, p := range r.Proximities(id) {
		if p.State() == proximity.Near {
			n++
		}
	}
	return n
}

// Close stops every proximity timer and waits for queued link writes.
func (r *Registry) Close() {
	for _, e := range r.pairs {
		e.stop()
	}
	if r.writer != nil {
		r.writer.close()
	}
}

// fanout forwards proximity events to the registry observers.
type fanout struct{ r *Registry }

func (f fanout) ProximityChanged(p *proximity.Proximity) {
	for _, o := range f.r.observers {
		o.ProximityChanged(p)
	}
}

func (f fanout) ProximityUpdated(p *proximity.Proximity) {
	for _, o := range f.r.observers {
		o.ProximityUpdated(p)
	}
}
