package workspace

import (
	"encoding/json"
	"fmt"

	"github.com/vistiles/server/internal/combination"
	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/streaming"
)

// deviceHandler handles an inbound event of a registered device.
type deviceHandler func(d *registry.Device, in streaming.Inbound) error

// RegisterHandlers registers every device event of the collaboration layer.
// All of them run on the event loop.
func (c *Controller) RegisterHandlers(d *dispatcher.Dispatcher, l *dispatcher.Loop) {
	handlers := map[string]deviceHandler{
		streaming.TypeDeviceInitialized:        c.handleDeviceInitialized,
		streaming.TypeWorkspaceGetAll:          c.handleGetAllWorkspaces,
		streaming.TypeWorkspaceCreate:          c.handleWorkspaceCreate,
		streaming.TypeWorkspaceJoin:            c.handleWorkspaceJoin,
		streaming.TypeFilterViewportState:      c.handleFilterViewportState,
		streaming.TypeSelectionAdded:           c.handleSelectionAdded,
		streaming.TypeSelectionRemoved:         c.handleSelectionRemoved,
		streaming.TypeSpatialOverlayChanged:    c.handleOverlayChanged,
		streaming.TypeSpatialRemoteOverlay:     c.handleRemoteOverlayChange,
		streaming.TypeViewLoaded:               c.handleViewLoaded,
		streaming.TypeSettingsAttributesState:  c.handleAttributesState,
		streaming.TypeSettingsAttributesUpdate: c.handleAttributesUpdate,
		streaming.TypeViewAlign:                c.handleAlignReply,
		streaming.TypeCombinationTrigger:       c.handleCombinationTrigger,
		streaming.TypeCombinationMenuRemove:    c.handleRemoveMenu,
		streaming.TypeCombinationMenuToggle:    c.handleToggleMenu,
	}
	for cmd, h := range handlers {
		d.Register(cmd, c.fromDevice(h), dispatcher.OnLoop(l), dispatcher.Logged())
	}
}

// fromDevice resolves the sender of an event. Clients name themselves in
// "from"; events without it are attributed to the device bound to the
// connection.
func (c *Controller) fromDevice(h deviceHandler) dispatcher.HandlerFunc {
	return func(e dispatcher.Event) (any, error) {
		var in streaming.Inbound
		if len(e.Payload) > 0 {
			if err := e.Decode(&in); err != nil {
				return nil, err
			}
		}

		var (
			d   *registry.Device
			err error
		)
		if in.From != "" {
			d, err = c.device(in.From)
		} else if dev, ok := c.reg.DeviceByConn(e.ConnID); ok {
			d = dev
		} else {
			err = fmt.Errorf("%w: connection %q", ErrUnknownDevice, e.ConnID)
		}
		if err != nil {
			return nil, err
		}
		return nil, h(d, in)
	}
}

func decodeValues(in streaming.Inbound, v any) error {
	if len(in.Values) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Values, v); err != nil {
		return fmt.Errorf("decoding values: %w", err)
	}
	return nil
}

func (c *Controller) handleDeviceInitialized(d *registry.Device, _ streaming.Inbound) error {
	c.DeviceInitialized(d)
	return nil
}

func (c *Controller) handleGetAllWorkspaces(d *registry.Device, _ streaming.Inbound) error {
	c.GetAllWorkspaces(d)
	return nil
}

func (c *Controller) handleWorkspaceCreate(d *registry.Device, _ streaming.Inbound) error {
	c.CreateWorkspace(d)
	return nil
}

func (c *Controller) handleWorkspaceJoin(d *registry.Device, in streaming.Inbound) error {
	var v streaming.WorkspaceJoin
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	return c.JoinWorkspace(d, v.WorkspaceID)
}

func (c *Controller) handleFilterViewportState(d *registry.Device, in streaming.Inbound) error {
	var ids []string
	if err := decodeValues(in, &ids); err != nil {
		return err
	}
	c.FilterViewportState(d, ids)
	return nil
}

func (c *Controller) handleSelectionAdded(d *registry.Device, in streaming.Inbound) error {
	var ids []string
	if err := decodeValues(in, &ids); err != nil {
		return err
	}
	c.SelectionAdded(d, ids)
	return nil
}

func (c *Controller) handleSelectionRemoved(d *registry.Device, in streaming.Inbound) error {
	var ids []string
	if err := decodeValues(in, &ids); err != nil {
		return err
	}
	c.SelectionRemoved(d, ids)
	return nil
}

func (c *Controller) handleOverlayChanged(d *registry.Device, in streaming.Inbound) error {
	var v streaming.OverlayChange
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	c.OverlayChanged(d, v)
	return nil
}

func (c *Controller) handleRemoteOverlayChange(d *registry.Device, in streaming.Inbound) error {
	c.RemoteOverlayChange(d, in)
	return nil
}

func (c *Controller) handleViewLoaded(d *registry.Device, in streaming.Inbound) error {
	var v streaming.ViewLoaded
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	c.ViewLoaded(d, v)
	return nil
}

func (c *Controller) handleAttributesState(d *registry.Device, in streaming.Inbound) error {
	var attrs map[string]any
	if err := decodeValues(in, &attrs); err != nil {
		return err
	}
	c.AttributesState(d, attrs)
	return nil
}

func (c *Controller) handleAttributesUpdate(d *registry.Device, in streaming.Inbound) error {
	var v streaming.AttributesUpdate
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	c.AttributesUpdate(d, v)
	return nil
}

func (c *Controller) handleAlignReply(d *registry.Device, in streaming.Inbound) error {
	var v streaming.AlignReply
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	if v.Identifier == "" {
		return fmt.Errorf("%s: missing identifier", streaming.TypeViewAlign)
	}
	c.AlignReply(d, v)
	return nil
}

func (c *Controller) handleCombinationTrigger(_ *registry.Device, in streaming.Inbound) error {
	var v streaming.CombinationTrigger
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	k, err := combination.ParseKind(v.Method)
	if err != nil {
		return err
	}
	source, err := c.device(v.Devices.Source)
	if err != nil {
		return err
	}
	target, err := c.device(v.Devices.Target)
	if err != nil {
		return err
	}
	c.Trigger(k, source, target)
	return nil
}

func (c *Controller) handleRemoveMenu(_ *registry.Device, in streaming.Inbound) error {
	var v streaming.MenuTarget
	if err := decodeValues(in, &v); err != nil {
		return err
	}
	target, err := c.device(v.Target)
	if err != nil {
		return err
	}
	c.RemoveMenu(target)
	return nil
}

func (c *Controller) handleToggleMenu(d *registry.Device, _ streaming.Inbound) error {
	c.ToggleMenu(d)
	return nil
}
