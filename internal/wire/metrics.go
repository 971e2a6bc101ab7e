// SPDX-License-Identifier: MPL-2.0

package wire

// BreakerOffVoltageMV is the millivolt threshold below which a circuit's
// breaker is considered open. 5 V.
const BreakerOffVoltageMV = 5000

// Trait and vendor/product identifiers used by the G3 service (§6).
const (
	TraitBreakerGroups int = 15
	TraitCircuitNames  int = 16
	TraitBreakerConfig int = 17
	TraitPowerMetrics  int = 26
	TraitRelayState    int = 27
	TraitBreakerParams int = 31

	VendorSpan         int = 1
	ProductGen3Panel   int = 4
	ProductGen3Gateway int = 5

	// MainFeedIID is the fixed instance id of the main feed within trait 26.
	MainFeedIID int = 1
)

// Metrics is the decoded result of one circuit's or the main feed's latest
// telemetry payload.
type Metrics struct {
	PowerW           float64
	VoltageV         float64
	CurrentA         float64
	ApparentPowerVA  float64
	ReactivePowerVAR float64
	FrequencyHz      float64
	PowerFactor      float64
	IsOn             bool

	// Dual-phase per-leg values.
	VoltageAV float64
	VoltageBV float64
	CurrentAA float64
	CurrentBA float64
}

// minMaxAvg holds a decoded min/max/avg sub-message (fields 1/2/3).
type minMaxAvg struct {
	min, max, avg int64
}

func parseMinMaxAvg(data []byte) (minMaxAvg, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return minMaxAvg{}, err
	}
	var r minMaxAvg
	if f, ok := GetField(fields, 1); ok {
		r.min, _ = f.IntValue()
	}
	if f, ok := GetField(fields, 2); ok {
		r.max, _ = f.IntValue()
	}
	if f, ok := GetField(fields, 3); ok {
		r.avg, _ = f.IntValue()
	}
	return r, nil
}

// DecodeSinglePhase decodes a single-phase (120V) metrics sub-message
// (field 11 of a circuit's metric payload).
func DecodeSinglePhase(data []byte) (Metrics, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics

	if f, ok := GetField(fields, 1); ok {
		mma, err := parseMinMaxAvg(f.Data)
		if err == nil {
			m.CurrentA = float64(mma.avg) / 1000.0
		}
	}
	if f, ok := GetField(fields, 2); ok {
		mma, err := parseMinMaxAvg(f.Data)
		if err == nil {
			m.VoltageV = float64(mma.avg) / 1000.0
		}
	}
	if f, ok := GetField(fields, 3); ok {
		mma, err := parseMinMaxAvg(f.Data)
		if err == nil {
			m.PowerW = float64(mma.avg) / 2000.0
		}
	}
	if f, ok := GetField(fields, 4); ok {
		mma, err := parseMinMaxAvg(f.Data)
		if err == nil {
			m.ApparentPowerVA = float64(mma.avg) / 2000.0
		}
	}
	if f, ok := GetField(fields, 5); ok {
		mma, err := parseMinMaxAvg(f.Data)
		if err == nil {
			m.ReactivePowerVAR = float64(mma.avg) / 2000.0
		}
	}

	m.IsOn = m.VoltageV*1000 > BreakerOffVoltageMV
	return m, nil
}

// DecodeDualPhase decodes a dual-phase (240V) metrics sub-message (field 12
// of a circuit's metric payload).
func DecodeDualPhase(data []byte) (Metrics, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return Metrics{}, err
	}
	var m Metrics

	if f, ok := GetField(fields, 1); ok {
		legA, err := ParseFields(f.Data)
		if err == nil {
			if cf, ok := GetField(legA, 1); ok {
				if mma, err := parseMinMaxAvg(cf.Data); err == nil {
					m.CurrentAA = float64(mma.avg) / 1000.0
				}
			}
			if vf, ok := GetField(legA, 2); ok {
				if mma, err := parseMinMaxAvg(vf.Data); err == nil {
					m.VoltageAV = float64(mma.avg) / 1000.0
				}
			}
		}
	}

	if f, ok := GetField(fields, 2); ok {
		legB, err := ParseFields(f.Data)
		if err == nil {
			if cf, ok := GetField(legB, 1); ok {
				if mma, err := parseMinMaxAvg(cf.Data); err == nil {
					m.CurrentBA = float64(mma.avg) / 1000.0
				}
			}
			if vf, ok := GetField(legB, 2); ok {
				if mma, err := parseMinMaxAvg(vf.Data); err == nil {
					m.VoltageBV = float64(mma.avg) / 1000.0
				}
			}
		}
	}

	if f, ok := GetField(fields, 3); ok {
		combined, err := ParseFields(f.Data)
		if err == nil {
			if vf, ok := GetField(combined, 2); ok {
				if mma, err := parseMinMaxAvg(vf.Data); err == nil {
					m.VoltageV = float64(mma.avg) / 1000.0
				}
			}
			if pf, ok := GetField(combined, 3); ok {
				if mma, err := parseMinMaxAvg(pf.Data); err == nil {
					m.PowerW = float64(mma.avg) / 2000.0
				}
			}
			if af, ok := GetField(combined, 4); ok {
				if mma, err := parseMinMaxAvg(af.Data); err == nil {
					m.ApparentPowerVA = float64(mma.avg) / 2000.0
				}
			}
			if rf, ok := GetField(combined, 5); ok {
				if mma, err := parseMinMaxAvg(rf.Data); err == nil {
					m.ReactivePowerVAR = float64(mma.avg) / 2000.0
				}
			}
			if pff, ok := GetField(combined, 6); ok {
				if mma, err := parseMinMaxAvg(pff.Data); err == nil {
					m.PowerFactor = float64(mma.avg) / 2000.0
				}
			}
		}
	}

	if f, ok := GetField(fields, 4); ok {
		if mma, err := parseMinMaxAvg(f.Data); err == nil {
			m.FrequencyHz = float64(mma.avg) / 1000.0
		}
	}

	m.CurrentA = m.CurrentAA + m.CurrentBA
	m.IsOn = m.VoltageV*1000 > BreakerOffVoltageMV
	return m, nil
}

// extractDeepestValue recurses through nested sub-messages returning the
// largest value seen at targetField at any depth. The main feed's telemetry
// nests far deeper than a circuit's, and the field of interest (the "avg"
// slot of a min/max/avg triple) is only reachable by searching rather than
// by a fixed path, since intermediate wrapper messages vary by firmware.
func extractDeepestValue(data []byte, targetField int) int64 {
	fields, err := ParseFields(data)
	if err != nil {
		return 0
	}
	var best int64
	for fn, list := range fields {
		for _, f := range list {
			if f.Type == WireLengthDelim && len(f.Data) > 0 {
				if inner := extractDeepestValue(f.Data, targetField); inner > best {
					best = inner
				}
			} else if fn == targetField {
				if v, err := f.IntValue(); err == nil && v > best {
					best = v
				}
			}
		}
	}
	return best
}

// DecodeMainFeed decodes the main feed's metrics sub-message (field 14 of
// the metric payload), which nests one level deeper than a circuit's field
// 11/12 payloads: each leg carries its own power/voltage/frequency stats,
// and current is derived rather than transmitted directly.
func DecodeMainFeed(data []byte) (Metrics, error) {
	fields, err := ParseFields(data)
	if err != nil {
		return Metrics{}, err
	}
	mainField, ok := GetField(fields, 14)
	if !ok {
		return Metrics{}, nil
	}
	mainFields, err := ParseFields(mainField.Data)
	if err != nil {
		return Metrics{}, err
	}

	var m Metrics

	if legAField, ok := GetField(mainFields, 1); ok {
		laFields, err := ParseFields(legAField.Data)
		if err == nil {
			if powerStats, ok := GetField(laFields, 3); ok {
				m.PowerW = float64(extractDeepestValue(powerStats.Data, 3)) / 2000.0
			}
			if voltageStats, ok := GetField(laFields, 2); ok {
				if vsFields, err := ParseFields(voltageStats.Data); err == nil {
					if f2, ok := GetField(vsFields, 2); ok {
						if inner, err := ParseFields(f2.Data); err == nil {
							if v, ok := GetField(inner, 3); ok {
								if raw, err := v.IntValue(); err == nil && raw > 0 {
									m.VoltageAV = float64(raw) / 1000.0
								}
							}
						}
					}
				}
			}
			if freqStats, ok := GetField(laFields, 4); ok {
				if ffFields, err := ParseFields(freqStats.Data); err == nil {
					if fv, ok := GetField(ffFields, 3); ok {
						if raw, err := fv.IntValue(); err == nil && raw > 0 {
							m.FrequencyHz = float64(raw) / 1000.0
						}
					}
				}
			}
		}
	}

	if legBField, ok := GetField(mainFields, 2); ok {
		lbFields, err := ParseFields(legBField.Data)
		if err == nil {
			if powerStats, ok := GetField(lbFields, 3); ok {
				lbPower := float64(extractDeepestValue(powerStats.Data, 3)) / 2000.0
				if lbPower > 0 {
					m.PowerW += lbPower
				}
			}
			if voltageStats, ok := GetField(lbFields, 2); ok {
				if vsFields, err := ParseFields(voltageStats.Data); err == nil {
					if f2, ok := GetField(vsFields, 2); ok {
						if inner, err := ParseFields(f2.Data); err == nil {
							if v, ok := GetField(inner, 3); ok {
								if raw, err := v.IntValue(); err == nil && raw > 0 {
									m.VoltageBV = float64(raw) / 1000.0
								}
							}
						}
					}
				}
			}
		}
	}

	if m.VoltageBV > 0 {
		m.VoltageV = m.VoltageAV + m.VoltageBV
	} else {
		m.VoltageV = m.VoltageAV * 2
	}

	if m.VoltageV > 0 {
		m.CurrentA = m.PowerW / m.VoltageV
	}

	m.IsOn = true
	return m, nil
}
