package coupling

import (
	"fmt"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/pkg/core"
	"github.com/vistiles/server/pkg/streaming"
)

// RegisterHandlers registers the identification commands with the dispatcher.
// All of them run on the event loop.
func (c *Controller) RegisterHandlers(d *dispatcher.Dispatcher, l *dispatcher.Loop) {
	d.Register(streaming.TypeConnectionRequest, c.handleConnectionRequest, dispatcher.OnLoop(l), dispatcher.Logged())
	d.Register(streaming.TypePairingRequest, c.handlePairingRequest, dispatcher.OnLoop(l), dispatcher.Logged())
	d.Register(streaming.TypeVirtualPairing, c.handleVirtualPairing, dispatcher.OnLoop(l), dispatcher.Logged())
}

func decodeInfo(e dispatcher.Event) (core.DeviceInfo, error) {
	var info core.DeviceInfo
	if err := e.Decode(&info); err != nil {
		return info, err
	}
	if info.ID == "" {
		return info, fmt.Errorf("%s: missing device id", e.Command)
	}
	return info, nil
}

func (c *Controller) handleConnectionRequest(e dispatcher.Event) (any, error) {
	info, err := decodeInfo(e)
	if err != nil {
		return nil, err
	}
	c.ConnectionRequest(e.ConnID, info)
	return nil, nil
}

func (c *Controller) handlePairingRequest(e dispatcher.Event) (any, error) {
	info, err := decodeInfo(e)
	if err != nil {
		return nil, err
	}
	c.PairingRequest(e.ConnID, info)
	return nil, nil
}

func (c *Controller) handleVirtualPairing(e dispatcher.Event) (any, error) {
	info, err := decodeInfo(e)
	if err != nil {
		return nil, err
	}
	d, _ := c.VirtualPairing(e.ConnID, info)
	return d.ID, nil
}
