// SPDX-License-Identifier: MPL-2.0

package panel

import "context"

// Client is the transport-agnostic interface both generations satisfy,
// letting callers that do not care which generation they are talking to
// hold a single value (§3, §4.H).
type Client interface {
	Snapshot(ctx context.Context) (PanelSnapshot, error)
	Capabilities() Capability
	Close() error
}

// Pinger is satisfied by any client that can perform a cheap reachability
// check. Both generations implement it, unlike the capability-gated
// interfaces below.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CircuitController is satisfied only by a client that can write circuit
// state. G3 is push-telemetry-only and does not implement it; a caller
// that only needs to flip relays or change load-shed priority can depend
// on this narrower interface instead of the full *G2Client.
type CircuitController interface {
	SetCircuitRelay(ctx context.Context, id string, state RelayState) error
	SetCircuitPriority(ctx context.Context, id string, priority Priority) error
}

// BatterySOEReading is the typed projection of a G2 storage/soe response
// that EnergySource exposes.
type BatterySOEReading struct {
	SOE          float64
	MaxEnergyKWh float64
}

// EnergySource is satisfied only by a client that can report battery
// state-of-energy. G3 carries no battery telemetry.
type EnergySource interface {
	BatteryStatus(ctx context.Context) (BatterySOEReading, error)
}

// Streamer is satisfied only by a client that can push live telemetry
// updates. G2 is request/response only and does not implement it.
type Streamer interface {
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context) error
	RegisterCallback(fn func(UpdateEvent)) UnregisterHandle
}

var (
	_ Pinger            = (*G2Client)(nil)
	_ Pinger            = (*G3Client)(nil)
	_ CircuitController = (*G2Client)(nil)
	_ EnergySource      = (*G2Client)(nil)
	_ Streamer          = (*G3Client)(nil)
)

// NewClient constructs the correct transport for host, deciding which
// generation to speak (§4.H):
//
//   - WithGeneration forces G2 or G3 and skips probing entirely.
//   - Otherwise, G2's HTTP status endpoint is probed first; if it answers
//     within ProbeTimeout, a G2 client is returned.
//   - If G2 does not answer, G3's GetInstances RPC is probed; if it
//     answers, a G3 client is returned, already connected.
//   - If neither answers, NewClient fails with ErrNoTransport (S6).
func NewClient(ctx context.Context, host string, opts ...Option) (Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.generation != nil {
		switch *cfg.generation {
		case GenG2:
			return NewG2Client(host, opts...)
		case GenG3:
			g3, err := NewG3Client(host, opts...)
			if err != nil {
				return nil, err
			}
			if err := g3.Connect(ctx); err != nil {
				return nil, err
			}
			return g3, nil
		default:
			return nil, newError(KindConfigError, "NewClient", "unknown generation override", nil)
		}
	}

	g2, err := NewG2Client(host, opts...)
	if err == nil {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.probeTimeout)
		reachable := g2.Ping(probeCtx) == nil
		cancel()
		if reachable {
			return g2, nil
		}
	}

	g3, err := NewG3Client(host, opts...)
	if err == nil {
		if g3.TestConnection(ctx) {
			if err := g3.Connect(ctx); err == nil {
				return g3, nil
			}
		}
	}

	return nil, newError(KindNoTransport, "NewClient", "neither G2 nor G3 transport responded", nil)
}
