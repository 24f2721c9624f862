package combination

import "slices"

// ViewType classifies a client view.
type ViewType int

const (
	TypeNone ViewType = 0
	TypeVis  ViewType = 1
	TypeMenu ViewType = 2
)

// SettingsMenuView is the menu view loaded onto an empty device next to a visualization.
const SettingsMenuView = "visSettingsMenu"

// ViewSpec describes a view known to the clients.
type ViewSpec struct {
	Type            ViewType `json:"type" mapstructure:"type"`
	Characteristics []string `json:"characteristics" mapstructure:"characteristics"`
}

// Catalog maps view names to their specs.
type Catalog map[string]ViewSpec

// TypeOf returns the type of view. An empty or unknown view has TypeNone.
func (c Catalog) TypeOf(view string) ViewType {
	if view == "" {
		return TypeNone
	}
	return c[view].Type
}

// Has reports whether view carries characteristic.
func (c Catalog) Has(view, characteristic string) bool {
	spec, ok := c[view]
	if !ok {
		return false
	}
	return slices.Contains(spec.Characteristics, characteristic)
}

// MenuEntry is the presentation of a kind inside the combination menu.
type MenuEntry struct {
	Label string `json:"label" mapstructure:"label"`
	Icon  string `json:"icon" mapstructure:"icon"`
}

// Offer is a per-device record of a combination available with Target.
type Offer struct {
	Target    string `json:"target"`
	Triggered bool   `json:"triggered"`
	Label     string `json:"label"`
	Icon      string `json:"icon"`
}

// Offers is the combination map of one device.
type Offers map[Kind]*Offer

// NewOffer builds an untriggered offer using the menu entry for k.
func NewOffer(target string, k Kind, menu map[string]MenuEntry) *Offer {
	entry := menu[k.String()]
	return &Offer{Target: target, Label: entry.Label, Icon: entry.Icon}
}

// Kinds returns the kinds held, in declared order.
func (o Offers) Kinds() []Kind {
	out := make([]Kind, 0, len(o))
	for _, k := range Kinds() {
		if _, ok := o[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Clone copies the map and its offers.
func (o Offers) Clone() Offers {
	out := make(Offers, len(o))
	for k, v := range o {
		c := *v
		out[k] = &c
	}
	return out
}
