// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"context"
	"testing"
	"time"
)

const testSimYAML = `
panel_config:
  serial_number: SIM-42
  total_tabs: 4
  main_size: 200
circuit_templates:
  steady:
    mode: consumer
    typical: 100
    relay_behavior: controllable
    priority: MUST_HAVE
  cycling_load:
    mode: consumer
    typical: 200
    relay_behavior: controllable
    priority: NICE_TO_HAVE
    cycling:
      on_duration_minutes: 10
      off_duration_minutes: 10
circuits:
  - id: fridge
    name: Refrigerator
    template: steady
    tabs: [1]
  - id: dryer
    name: Dryer
    template: cycling_load
    tabs: [2, 3]
unmapped_tabs:
  - tab: 4
    template: steady
unmapped_tab_templates:
  steady:
    mode: consumer
    typical: 50
    relay_behavior: non_controllable
    priority: NON_ESSENTIAL
`

func newTestSimEngine(t *testing.T, yamlDoc string) *simulationEngine {
	t.Helper()
	cfg := defaultConfig()
	cfg.simulationConfigData = []byte(yamlDoc)
	cfg.simulationStartTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e, err := newSimulationEngine(cfg)
	if err != nil {
		t.Fatalf("newSimulationEngine: %v", err)
	}
	return e
}

// TestNewSimulationEngineRequiresConfigSource tests that construction fails
// when neither SimulationConfigPath nor SimulationConfigData is supplied.
func TestNewSimulationEngineRequiresConfigSource(t *testing.T) {
	cfg := defaultConfig()
	if _, err := newSimulationEngine(cfg); err == nil {
		t.Fatal("expected an error with no configuration source")
	}
}

// TestValidateSimConfigRequiresPanelConfig tests that a missing panel_config
// field is a terminal ConfigError.
func TestValidateSimConfigRequiresPanelConfig(t *testing.T) {
	cfg := simConfig{
		CircuitTemplates: map[string]simCircuitTemplate{"t": {}},
		Circuits:         []simCircuit{{ID: "a", Template: "t", Tabs: []int{1}}},
	}
	if err := validateSimConfig(cfg); err == nil {
		t.Fatal("expected an error for missing panel_config")
	}
}

// TestValidateSimConfigRejectsUndefinedTemplate tests that a circuit
// referencing a template not present in circuit_templates fails validation.
func TestValidateSimConfigRejectsUndefinedTemplate(t *testing.T) {
	cfg := simConfig{
		PanelConfig:      simPanelConfig{SerialNumber: "s", TotalTabs: 2, MainSize: 100},
		CircuitTemplates: map[string]simCircuitTemplate{"known": {}},
		Circuits:         []simCircuit{{ID: "a", Template: "missing", Tabs: []int{1}}},
	}
	if err := validateSimConfig(cfg); err == nil {
		t.Fatal("expected an error for an undefined template reference")
	}
}

// TestValidateSimConfigRejectsOutOfRangeTab tests that a circuit tab outside
// [1, total_tabs] fails validation.
func TestValidateSimConfigRejectsOutOfRangeTab(t *testing.T) {
	cfg := simConfig{
		PanelConfig:      simPanelConfig{SerialNumber: "s", TotalTabs: 2, MainSize: 100},
		CircuitTemplates: map[string]simCircuitTemplate{"t": {}},
		Circuits:         []simCircuit{{ID: "a", Template: "t", Tabs: []int{5}}},
	}
	if err := validateSimConfig(cfg); err == nil {
		t.Fatal("expected an error for an out-of-range tab")
	}
}

// TestValidateTemplateRejectsInvalidMode tests that an unrecognized mode
// string fails template validation.
func TestValidateTemplateRejectsInvalidMode(t *testing.T) {
	if err := validateTemplate("bad", simCircuitTemplate{Mode: "sideways"}); err == nil {
		t.Fatal("expected an error for an invalid mode")
	}
	if err := validateTemplate("ok", simCircuitTemplate{Mode: "producer"}); err != nil {
		t.Errorf("unexpected error for a valid mode: %v", err)
	}
}

// TestSimulationEngineStatusReportsConfiguredSerial tests that the status
// document echoes the configured serial number.
func TestSimulationEngineStatusReportsConfiguredSerial(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	doc, err := e.status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := doc.Get("serial_number").String(); got != "SIM-42" {
		t.Errorf("serial_number = %q, want SIM-42", got)
	}
}

// TestSimulationEngineCircuitsIncludesEveryConfiguredCircuit tests that the
// circuits document contains exactly the configured circuit ids.
func TestSimulationEngineCircuitsIncludesEveryConfiguredCircuit(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	doc, err := e.circuits(context.Background())
	if err != nil {
		t.Fatalf("circuits: %v", err)
	}
	ids := map[string]bool{}
	for _, c := range doc.Get("circuits").Array() {
		ids[c.Get("id").String()] = true
	}
	if !ids["fridge"] || !ids["dryer"] {
		t.Errorf("expected fridge and dryer, got %v", ids)
	}
}

// TestSimulationEnginePanelStateCoversEveryTab tests that panelState emits
// one branch record per total_tabs position, including unmapped ones.
func TestSimulationEnginePanelStateCoversEveryTab(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	doc, err := e.panelState(context.Background())
	if err != nil {
		t.Fatalf("panelState: %v", err)
	}
	branches := doc.Get("branches").Array()
	if len(branches) != 4 {
		t.Fatalf("got %d branches, want 4", len(branches))
	}
}

// TestSimulationEngineOverrideAppliesToCircuits tests that a relay override
// set via setCircuitOverride is reflected in the next circuits document.
func TestSimulationEngineOverrideAppliesToCircuits(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	if err := e.setCircuitOverride("fridge", "relay_state", "OPEN"); err != nil {
		t.Fatalf("setCircuitOverride: %v", err)
	}
	doc, err := e.circuits(context.Background())
	if err != nil {
		t.Fatalf("circuits: %v", err)
	}
	for _, c := range doc.Get("circuits").Array() {
		if c.Get("id").String() == "fridge" {
			if got := c.Get("relay_state").String(); got != "OPEN" {
				t.Errorf("relay_state = %q, want OPEN", got)
			}
		}
	}
}

// TestSimulationEngineClearCircuitOverridesIsIdempotent tests that clearing
// overrides twice in a row is a harmless no-op.
func TestSimulationEngineClearCircuitOverridesIsIdempotent(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	_ = e.setCircuitOverride("fridge", "relay_state", "OPEN")
	e.clearCircuitOverrides()
	e.clearCircuitOverrides()
	doc, err := e.circuits(context.Background())
	if err != nil {
		t.Fatalf("circuits: %v", err)
	}
	for _, c := range doc.Get("circuits").Array() {
		if c.Get("id").String() == "fridge" {
			if got := c.Get("relay_state").String(); got != "CLOSED" {
				t.Errorf("relay_state = %q, want CLOSED after clearing overrides", got)
			}
		}
	}
}

// TestSimulationEngineGlobalPowerMultiplierScalesPower tests that the global
// multiplier scales every reported circuit's power.
func TestSimulationEngineGlobalPowerMultiplierScalesPower(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	base, err := e.circuits(context.Background())
	if err != nil {
		t.Fatalf("circuits: %v", err)
	}
	var basePower float64
	for _, c := range base.Get("circuits").Array() {
		if c.Get("id").String() == "fridge" {
			basePower = c.Get("power_w").Num
		}
	}

	e.setGlobalPowerMultiplier(2.0)
	scaled, err := e.circuits(context.Background())
	if err != nil {
		t.Fatalf("circuits: %v", err)
	}
	for _, c := range scaled.Get("circuits").Array() {
		if c.Get("id").String() == "fridge" {
			if got := c.Get("power_w").Num; got != basePower*2 {
				t.Errorf("power_w = %v, want %v", got, basePower*2)
			}
		}
	}
}

// TestAccumulateEnergyNeverDecreases tests §8 invariant 7: consumed and
// produced energy only ever grow, even across a sequence of circuit reads.
func TestAccumulateEnergyNeverDecreases(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	var prevConsumed, prevProduced float64
	base := e.now
	offset := time.Duration(0)
	e.now = func() time.Time { return base().Add(offset) }

	for i := 0; i < 5; i++ {
		offset += time.Minute
		if _, err := e.circuits(context.Background()); err != nil {
			t.Fatalf("circuits: %v", err)
		}
		es := e.energyFor("fridge")
		if es.consumedWh < prevConsumed {
			t.Fatalf("consumedWh decreased: %v -> %v", prevConsumed, es.consumedWh)
		}
		if es.producedWh < prevProduced {
			t.Fatalf("producedWh decreased: %v -> %v", prevProduced, es.producedWh)
		}
		prevConsumed, prevProduced = es.consumedWh, es.producedWh
	}
}

// TestSplitAcrossTabsEqualSplitByDefault tests that an unsynchronized
// multi-tab circuit splits its power evenly.
func TestSplitAcrossTabsEqualSplitByDefault(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	powers := e.splitAcrossTabs(100, []int{2, 3})
	if powers[2] != 50 || powers[3] != 50 {
		t.Errorf("powers = %v, want 50/50 split", powers)
	}
}

// TestSplitAcrossTabsSingleTabGetsFullPower tests the single-tab fast path.
func TestSplitAcrossTabsSingleTabGetsFullPower(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	powers := e.splitAcrossTabs(75, []int{1})
	if powers[1] != 75 {
		t.Errorf("powers[1] = %v, want 75", powers[1])
	}
}

// TestSplitAcrossTabsCustomRatio tests that a configured custom_ratio
// synchronization distributes power according to the configured ratios.
func TestSplitAcrossTabsCustomRatio(t *testing.T) {
	e := newTestSimEngine(t, testSimYAML)
	e.cfg.TabSynchronizations = []simTabSync{
		{Tabs: []int{2, 3}, PowerSplit: "custom_ratio", Ratios: []float64{0.25, 0.75}},
	}
	powers := e.splitAcrossTabs(100, []int{2, 3})
	if powers[2] != 25 || powers[3] != 75 {
		t.Errorf("powers = %v, want 25/75 split", powers)
	}
}

// TestCyclingMultiplierTogglesOnAndOff tests that the cycling multiplier
// alternates between 1.0 and 0.0 across the configured duty cycle.
func TestCyclingMultiplierTogglesOnAndOff(t *testing.T) {
	origin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &simCycling{OnDurationMin: 10, OffDurationMin: 10}

	onTime := origin.Add(5 * time.Minute)
	if got := cyclingMultiplier(onTime, c, origin); got != 1.0 {
		t.Errorf("multiplier at +5m = %v, want 1.0", got)
	}
	offTime := origin.Add(15 * time.Minute)
	if got := cyclingMultiplier(offTime, c, origin); got != 0.0 {
		t.Errorf("multiplier at +15m = %v, want 0.0", got)
	}
}

// TestCyclingMultiplierNilIsAlwaysOn tests that a circuit with no cycling
// behavior is always fully on.
func TestCyclingMultiplierNilIsAlwaysOn(t *testing.T) {
	if got := cyclingMultiplier(time.Now(), nil, time.Now()); got != 1.0 {
		t.Errorf("multiplier = %v, want 1.0", got)
	}
}

// TestTimeOfDayMultiplierPeakHour tests that a configured peak hour applies
// the peak multiplier.
func TestTimeOfDayMultiplierPeakHour(t *testing.T) {
	tod := &simTimeOfDay{PeakHours: []int{18}, PeakMultiplier: 1.5, OffPeakMultiplier: 0.8}
	peak := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	offPeak := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if got := timeOfDayMultiplier(peak, tod); got != 1.5 {
		t.Errorf("peak multiplier = %v, want 1.5", got)
	}
	if got := timeOfDayMultiplier(offPeak, tod); got != 0.8 {
		t.Errorf("off-peak multiplier = %v, want 0.8", got)
	}
}

// TestComputeTabPowersProducerCurveFollowsHourlyMultiplier tests a solar
// producer template against its hourly time-of-day curve: zero output at
// 20:00 and full typical output at 12:00.
func TestComputeTabPowersProducerCurveFollowsHourlyMultiplier(t *testing.T) {
	tpl := simCircuitTemplate{
		Mode:          "producer",
		PowerRange:    [2]float64{-4000, 0},
		Typical:       -2500,
		RelayBehavior: "non_controllable",
		TimeOfDay: &simTimeOfDay{
			HourlyMultipliers: map[int]float64{12: 1.0, 20: 0.0},
		},
	}
	e := &simulationEngine{startTime: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)}

	evening := time.Date(2025, 6, 15, 20, 0, 0, 0, time.UTC)
	got := e.computeTabPowers("solar", []int{1}, tpl, evening)
	if got[1] != 0.0 {
		t.Errorf("power at 20:00 = %v, want 0.0", got[1])
	}

	noon := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	got = e.computeTabPowers("solar", []int{1}, tpl, noon)
	if got[1] != -2500.0 {
		t.Errorf("power at 12:00 = %v, want -2500.0", got[1])
	}
}

// TestBatteryMultiplierChargeDischargeIdle tests the three named battery
// behaviors map to -1, +1, and 0 respectively.
func TestBatteryMultiplierChargeDischargeIdle(t *testing.T) {
	bb := &simBatteryBehavior{ChargeHours: []int{2}, DischargeHours: []int{18}, IdleHours: []int{12}}
	charge := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	discharge := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	idle := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := batteryMultiplier(charge, bb); got != -1.0 {
		t.Errorf("charge multiplier = %v, want -1.0", got)
	}
	if got := batteryMultiplier(discharge, bb); got != 1.0 {
		t.Errorf("discharge multiplier = %v, want 1.0", got)
	}
	if got := batteryMultiplier(idle, bb); got != 0.0 {
		t.Errorf("idle multiplier = %v, want 0.0", got)
	}
}

// TestDeterministicRandIsStableAcrossCalls tests that the same key always
// returns the same *rand.Rand instance, so its draw sequence is reproducible
// within one process rather than reseeded on every call.
func TestDeterministicRandIsStableAcrossCalls(t *testing.T) {
	r1 := deterministicRand("circuit-x")
	v1 := r1.Float64()
	r2 := deterministicRand("circuit-x")
	v2 := r2.Float64()
	if v1 == v2 {
		t.Error("expected successive draws from the same continuing sequence to differ")
	}

	rOther := deterministicRand("circuit-y")
	if rOther == r1 {
		t.Error("different keys should not share a generator instance")
	}
}

// TestClampFloatHandlesInvertedRange tests that clampFloat tolerates a
// power_range given in reverse order.
func TestClampFloatHandlesInvertedRange(t *testing.T) {
	if got := clampFloat(5, 10, 0); got != 5 {
		t.Errorf("clampFloat(5, 10, 0) = %v, want 5 (within [0,10])", got)
	}
	if got := clampFloat(-5, 10, 0); got != 0 {
		t.Errorf("clampFloat(-5, 10, 0) = %v, want 0", got)
	}
	if got := clampFloat(15, 10, 0); got != 10 {
		t.Errorf("clampFloat(15, 10, 0) = %v, want 10", got)
	}
}
