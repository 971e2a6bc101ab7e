// SPDX-License-Identifier: MPL-2.0

// Package panel provides a transport-agnostic client for SPAN smart
// electrical panels, unifying two incompatible hardware generations behind
// one API: generation-two panels speak HTTP/JSON with bearer-token
// authentication and are polled on demand; generation-three panels speak a
// binary streaming RPC with no authentication and push telemetry as it
// changes.
//
// # Quick Start
//
// Let the factory detect which generation is on the other end:
//
//	client, err := panel.NewClient(context.Background(), "10.0.0.5")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	snap, err := client.Snapshot(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("main power:", snap.MainPowerW)
//
// Or construct a specific transport directly when the generation is known:
//
//	g2, err := panel.NewG2Client("10.0.0.5", panel.UseSSL(true))
//	// ...
//	g3, err := panel.NewG3Client("10.0.0.6")
//	if err := g3.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := g3.StartStreaming(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer g3.StopStreaming(ctx)
//
// # Error Handling
//
// Every failure is a *panel.PanelError classified by ErrorKind. Match
// against the exported sentinels with errors.Is:
//
//	if _, err := client.Snapshot(ctx); err != nil {
//	    if errors.Is(err, panel.ErrAuth) {
//	        // re-authenticate and retry
//	    }
//	}
//
// G2 transient failures (502/503/504, network, timeout) and the one-shot
// auth-escalation path are retried automatically according to the
// configured RetryPolicy. G3 failures are not retried by the client; a
// torn-down stream should be restarted by the caller.
//
// # Capability Narrowing
//
// Not every operation is available on every generation. Check
// Capabilities before calling a generation-specific method:
//
//	if client.Capabilities().Has(panel.CapRelayControl) {
//	    g2 := client.(*panel.G2Client)
//	    g2.SetCircuitRelay(ctx, "1", panel.RelayOpen)
//	}
//
// Code that only needs one capability can accept the matching narrow
// interface (Pinger, CircuitController, EnergySource, Streamer) instead of
// switching on the concrete type.
//
// # Simulation Mode
//
// G2 clients can run entirely against a declarative YAML simulation engine
// instead of a real panel, for testing and demos:
//
//	client, err := panel.NewG2Client("",
//	    panel.SimulationMode(true),
//	    panel.SimulationConfigPath("testdata/panel.yaml"),
//	)
//
// # Thread Safety
//
// G2Client and G3Client are safe for concurrent use. G3Client's streaming
// callbacks run synchronously on the background stream goroutine and must
// not block or call StopStreaming directly; schedule that work elsewhere.
package panel
