// Package streaming defines the JSON messages exchanged with device and
// debug clients over the WebSocket hub.
package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/vistiles/server/pkg/core"
)

// Device namespace, client to server.
const (
	TypeConnectionRequest = "connectionRequest"
	TypePairingRequest    = "pairingRequest"
	TypeVirtualPairing    = "virtualPairing"

	TypeDeviceInitialized        = "device:initialized"
	TypeWorkspaceGetAll          = "workspace:getAll"
	TypeWorkspaceCreate          = "workspace:create"
	TypeWorkspaceJoin            = "workspace:join"
	TypeFilterViewportState      = "filter:viewportState"
	TypeSelectionAdded           = "selection:added"
	TypeSelectionRemoved         = "selection:removed"
	TypeSpatialOverlayChanged    = "spatial:overlayChanged"
	TypeSpatialRemoteOverlay     = "spatial:remoteOverlayChange"
	TypeViewLoaded               = "view:loaded"
	TypeSettingsAttributesState  = "settings:attributesState"
	TypeSettingsAttributesUpdate = "settings:attributesUpdate"
	TypeViewAlign                = "view:align"
	TypeCombinationTrigger       = "combination:trigger"
	TypeCombinationMenuRemove    = "combinationMenu:remove"
	TypeCombinationMenuToggle    = "combinationMenu:toggle"
)

// Device namespace, server to client. Some names are shared with the
// inbound set above.
const (
	TypeConnectionResponse = "connectionResponse"
	TypePairingStarted     = "pairingStarted"
	TypePairingResult      = "pairingResult"

	TypeWorkspaceCreated      = "workspace:created"
	TypeWorkspaceJoined       = "workspace:joined"
	TypeWorkspaceJoinedSilent = "workspace:joinedSilent"
	TypeWorkspaceLeft         = "workspace:left"

	TypeSubGroupJoined      = "subGroup:joined"
	TypeSubGroupHasLeft     = "subGroup:hasLeft"
	TypeSubGroupLeft        = "subGroup:left"
	TypeSubGroupNotPossible = "subGroup:notPossible"

	TypeSelectionState         = "selection:state"
	TypeSpatialRemoteDomain    = "spatial:remoteDomainChange"
	TypeFilterDisplayExtension = "filter:displayExtension"
	TypeViewForceLoad          = "view:forceLoad"
	TypeViewAligned            = "view:aligned"

	TypeCombinationMenuTrigger = "combinationMenu:trigger"
	TypeCombinationTriggered   = "combination:triggered"
)

// Debug namespace.
const (
	TypeRequestDebugContext   = "requestDebugContext"
	TypeVirtualRigidBodyMoved = "virtualRigidBodyMoved"

	TypeDebugContextData     = "debugContextData"
	TypeOscActivity          = "oscActivity"
	TypeDeviceAdded          = "deviceAdded"
	TypeDevicePosChanged     = "devicePosChanged"
	TypeDevicePairingStarted = "devicePairingStarted"
	TypeProximityUpdated     = "proximityUpdated"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload into an envelope. A nil payload is sent as JSON null.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: data}, nil
}

// Inbound is the payload shape of every device event except the
// identification requests, which carry a bare core.DeviceInfo.
type Inbound struct {
	From   string          `json:"from"`
	Values json.RawMessage `json:"values"`
}

// PairingResult reports the outcome of a pairing gesture.
type PairingResult struct {
	Successful bool `json:"successful"`
}

// ConnectionResponse answers a connectionRequest.
type ConnectionResponse struct {
	Paired bool     `json:"paired"`
	Color  []string `json:"color,omitempty"`
}

// WorkspaceInfo identifies a workspace on join or create.
type WorkspaceInfo struct {
	Color string `json:"color"`
	ID    string `json:"id,omitempty"`
}

// WorkspaceJoin is the values of workspace:join.
type WorkspaceJoin struct {
	WorkspaceID string `json:"workspaceId"`
}

// DevicePair names the two sides of a combination from one device's view.
type DevicePair struct {
	Source any `json:"source"`
	Target any `json:"target"`
}

// CombinationMenuTrigger asks a device to show the combination menu.
type CombinationMenuTrigger struct {
	Position     string     `json:"position"`
	Device       DevicePair `json:"device"`
	Devices      []string   `json:"devices"`
	Combinations []string   `json:"combinations"`
}

// CombinationTrigger is the values of combination:trigger.
type CombinationTrigger struct {
	Method  string `json:"method"`
	Devices struct {
		Source string `json:"source"`
		Target string `json:"target"`
	} `json:"devices"`
}

// CombinationTriggered confirms an executed combination.
type CombinationTriggered struct {
	Method       string `json:"method"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Combinations any    `json:"combinations"`
}

// MenuTarget is the values of combinationMenu:remove.
type MenuTarget struct {
	Target string `json:"target"`
}

// AlignRequest asks a device for its viewport size.
type AlignRequest struct {
	Identifier string `json:"identifier"`
}

// AlignReply is the values of a view:align reply.
type AlignReply struct {
	Identifier string    `json:"identifier"`
	Size       core.Size `json:"size"`
	Angle      int       `json:"angle"`
}

// Offset is a content inset in device pixels.
type Offset struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
}

// Aligned instructs the target device to resize and inset its content.
type Aligned struct {
	Size   core.Size `json:"size"`
	Offset Offset    `json:"offset"`
}

// ForceLoad makes a device load a view.
type ForceLoad struct {
	View     string      `json:"view"`
	DataAttr any         `json:"dataAttr,omitempty"`
	Objects  []string    `json:"objects,omitempty"`
	Devices  *DevicePair `json:"devices,omitempty"`
}

// ViewLoaded is the values of view:loaded.
type ViewLoaded struct {
	View        string         `json:"view"`
	DataAttr    map[string]any `json:"dataAttr"`
	Objects     []string       `json:"objects"`
	Size        core.Size      `json:"size"`
	ForceLoaded bool           `json:"forceLoaded"`
}

// AttributesUpdate is the values of settings:attributesUpdate.
type AttributesUpdate struct {
	DeviceID string         `json:"deviceId"`
	DataAttr map[string]any `json:"dataAttr"`
}

// OverlayChange is the values of spatial:overlayChanged.
type OverlayChange struct {
	Type   string          `json:"type"`
	From   json.RawMessage `json:"from"`
	To     json.RawMessage `json:"to"`
	Domain json.RawMessage `json:"domain"`
}

// RemoteDomainChange relays an overlay domain to the subgroup.
type RemoteDomainChange struct {
	From   json.RawMessage `json:"from"`
	To     json.RawMessage `json:"to"`
	Domain json.RawMessage `json:"domain"`
}

// TableSize is the tracked area in centimeters.
type TableSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ValueRange is the tracked area in meters.
type ValueRange struct {
	MinX float64 `json:"minX"`
	MaxX float64 `json:"maxX"`
	MinY float64 `json:"minY"`
	MaxY float64 `json:"maxY"`
}

// DebugContext is the reply to requestDebugContext.
type DebugContext struct {
	Devices         any        `json:"devices"`
	InactiveDevices any        `json:"inactive_devices"`
	Table           TableSize  `json:"table"`
	ValueRange      ValueRange `json:"valueRange"`
}

// DevicePosChanged is fanned out to debug clients on every device move.
type DevicePosChanged struct {
	Device any `json:"device"`
}
