// SPDX-License-Identifier: MPL-2.0

package panel

// Generation discriminates the two hardware generations a PanelSnapshot may
// have come from.
type Generation string

const (
	GenG2 Generation = "G2"
	GenG3 Generation = "G3"
)

// RelayState is a circuit's on/off control state, G2 only.
type RelayState string

const (
	RelayOpen   RelayState = "OPEN"
	RelayClosed RelayState = "CLOSED"
)

// Priority is a circuit's load-shed priority, G2 only.
type Priority string

const (
	PriorityMustHave     Priority = "MUST_HAVE"
	PriorityNiceToHave   Priority = "NICE_TO_HAVE"
	PriorityNonEssential Priority = "NON_ESSENTIAL"
)

// CircuitSnapshot is the per-circuit projection of panel state. Fields not
// observable on the source transport are left as nil pointers, never as a
// substituted zero value (§8 invariant 9).
type CircuitSnapshot struct {
	CircuitID   string
	Name        string
	PowerW      float64
	VoltageV    float64
	CurrentA    float64
	IsOn        bool
	IsDualPhase bool

	// G3 only.
	ApparentPowerVA  *float64
	ReactivePowerVAR *float64
	PowerFactor      *float64

	// G2 only.
	RelayState       *RelayState
	CircuitPriority  *Priority
	EnergyConsumedWh *float64
	EnergyProducedWh *float64
	Tabs             []int
}

// PanelSnapshot is the caller-visible, transport-agnostic union of G2 and G3
// panel state (§3). Fields not observable on the source transport are left
// as nil pointers.
type PanelSnapshot struct {
	Generation      Generation
	SerialNumber    string
	FirmwareVersion string
	MainPowerW      float64
	Circuits        map[string]CircuitSnapshot

	// G3 only.
	MainVoltageV    *float64
	MainCurrentA    *float64
	MainFrequencyHz *float64

	// G2 only.
	GridPowerW          *float64
	BatterySOE          *float64
	BatteryMaxEnergyKWh *float64
	DSMState            *string
	MainRelayState      *RelayState
	DoorState           *string
}
