package proximity

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/vistiles/server/internal/geometry"
)

// MenuSide is the per-device half of the combination-menu geometry.
type MenuSide struct {
	Device    string              `json:"device"`
	Corners   geometry.Rect       `json:"corners"`
	Diagonals [2]geometry.Segment `json:"diagonals"`
	Center    r2.Vec              `json:"center"`
	Anchor    geometry.Side       `json:"position"`
}

// Menu places the combination menu between two near devices. The anchor of
// each side is the edge crossed by the line joining the two centers.
type Menu struct {
	Visible    bool             `json:"visible"`
	A          MenuSide         `json:"deviceA"`
	B          MenuSide         `json:"deviceB"`
	CenterLine geometry.Segment `json:"centerLine"`
}

func buildMenu(sa, sb Sample) *Menu {
	m := &Menu{
		A: menuSide(sa),
		B: menuSide(sb),
	}

	ca, okA := sa.Rect.Center()
	cb, okB := sb.Rect.Center()
	if !okA || !okB {
		return m
	}
	m.A.Center = ca
	m.B.Center = cb
	m.CenterLine = geometry.Segment{A: ca, B: cb}
	m.A.Anchor = sa.Rect.CrossingSide(m.CenterLine)
	m.B.Anchor = sb.Rect.CrossingSide(m.CenterLine)
	m.Visible = m.A.Anchor != geometry.SideNone && m.B.Anchor != geometry.SideNone
	return m
}

func menuSide(s Sample) MenuSide {
	d1, d2 := s.Rect.Diagonals()
	return MenuSide{
		Device:    s.ID,
		Corners:   s.Rect,
		Diagonals: [2]geometry.Segment{d1, d2},
	}
}
