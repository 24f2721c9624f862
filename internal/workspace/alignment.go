package workspace

import (
	"math"

	"github.com/vistiles/server/internal/dispatcher"
	"github.com/vistiles/server/internal/geometry"
	"github.com/vistiles/server/internal/registry"
	"github.com/vistiles/server/pkg/core"
	"github.com/vistiles/server/pkg/streaming"
)

// alignment holds the first of the two replies for one token.
type alignment struct {
	deviceID string
	size     core.Size
	angle    int
	cancel   dispatcher.CancelFunc
}

// StartAlignment asks both devices for their viewport under a fresh token.
func (c *Controller) StartAlignment(a, b *registry.Device) {
	token := c.newToken()
	c.logger.Debug("alignment started", "token", token, "devices", []string{a.ID, b.ID})
	c.send(a, streaming.TypeViewAlign, streaming.AlignRequest{Identifier: token})
	c.send(b, streaming.TypeViewAlign, streaming.AlignRequest{Identifier: token})
}

// AlignReply stores the first reply for a token and resolves the pair on the
// second one.
func (c *Controller) AlignReply(d *registry.Device, reply streaming.AlignReply) {
	first, ok := c.alignments[reply.Identifier]
	if !ok {
		token := reply.Identifier
		c.alignments[token] = &alignment{
			deviceID: d.ID,
			size:     reply.Size,
			angle:    reply.Angle,
			cancel: c.sched.After(c.cfg.AlignmentTimeout, func() {
				if _, ok := c.alignments[token]; ok {
					delete(c.alignments, token)
					c.logger.Info("alignment expired", "token", token, "device", d.ID)
				}
			}),
		}
		return
	}
	if first.deviceID == d.ID {
		c.logger.Debug("duplicate alignment reply ignored", "token", reply.Identifier, "device", d.ID)
		return
	}

	first.cancel()
	delete(c.alignments, reply.Identifier)

	other, ok := c.reg.Device(first.deviceID)
	if !ok {
		return
	}
	target, aligned, ok := align(
		viewport{device: other, size: first.size, angle: first.angle},
		viewport{device: d, size: reply.Size, angle: reply.Angle},
	)
	if !ok {
		c.logger.Debug("nothing to align", "devices", []string{other.ID, d.ID})
		return
	}
	c.logger.Info("devices aligned", "target", target.ID, "size", aligned.Size, "offset", aligned.Offset)
	c.send(target, streaming.TypeViewAligned, aligned)
}

// PendingAlignments returns the number of tokens waiting for a second reply.
func (c *Controller) PendingAlignments() int { return len(c.alignments) }

type viewport struct {
	device *registry.Device
	size   core.Size
	angle  int
}

// inches converts the pixel viewport with the device dpi.
func (v viewport) inches() core.Size {
	return core.Size{Width: v.size.Width / v.device.DPI, Height: v.size.Height / v.device.DPI}
}

// align computes the instruction for the device whose matching dimension is
// smaller. Side by side devices match heights, stacked devices match widths.
func align(a, b viewport) (*registry.Device, streaming.Aligned, bool) {
	if a.device.DPI <= 0 || b.device.DPI <= 0 {
		return nil, streaming.Aligned{}, false
	}
	sideA := a.device.PairedSide.Rotate(a.angle)
	sideB := b.device.PairedSide.Rotate(b.angle)
	if sideA == geometry.SideNone || sideB != sideA.Opposite() {
		return nil, streaming.Aligned{}, false
	}

	sa, sb := a.inches(), b.inches()
	var (
		small, large viewport
		size         core.Size
		offset       streaming.Offset
	)
	if sideA.Horizontal() {
		if sa.Height == sb.Height {
			return nil, streaming.Aligned{}, false
		}
		small, large = a, b
		if sa.Height > sb.Height {
			small, large = b, a
		}
		s, l := small.inches(), large.inches()
		size = core.Size{Width: s.Width, Height: l.Height}
		offset.Top = l.Height - s.Height
	} else {
		if sa.Width == sb.Width {
			return nil, streaming.Aligned{}, false
		}
		small, large = a, b
		if sa.Width > sb.Width {
			small, large = b, a
		}
		s, l := small.inches(), large.inches()
		size = core.Size{Width: l.Width, Height: s.Height}
		offset.Left = l.Width - s.Width
	}

	dpi := small.device.DPI
	return small.device, streaming.Aligned{
		Size: core.Size{
			Width:  math.Round(size.Width * dpi),
			Height: math.Round(size.Height * dpi),
		},
		Offset: streaming.Offset{
			Top:  math.Round(offset.Top * dpi),
			Left: math.Round(offset.Left * dpi),
		},
	}, true
}
