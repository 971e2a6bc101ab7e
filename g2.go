// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// G2Client speaks the request/response HTTP API exposed by generation-two
// panel hardware: token-bearer authentication, four read endpoints mediated
// by a time-window cache and the shared retry engine, and two write
// endpoints that invalidate the cache on success.
type G2Client struct {
	mu sync.RWMutex

	host   string
	port   int
	useSSL bool

	httpClient *http.Client
	timeout    time.Duration

	token string

	cache       *timeWindowCache
	retryPolicy RetryPolicy
	logger      Logger

	simMode bool
	sim     *simulationEngine

	closed bool
}

// breakerOffVoltageMV mirrors internal/wire's BreakerOffVoltageMV: below
// this threshold a circuit's breaker is considered open.
const breakerOffVoltageMV = 5000.0

// jsonDoc is a thin, read-only view over a JSON response body, queried by
// gjson path rather than unmarshaled into a generated struct — the wire
// model is treated as opaque per the host interface description.
type jsonDoc struct {
	raw string
}

func (d jsonDoc) Get(path string) gjson.Result { return gjson.Get(d.raw, path) }
func (d jsonDoc) Raw() string                  { return d.raw }

// NewG2Client constructs a G2 transport for the given host. The client does
// not connect eagerly; the first call performs the first I/O.
func NewG2Client(host string, opts ...Option) (*G2Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(host) == "" && !cfg.simulationMode {
		return nil, newError(KindConfigError, "NewG2Client", "host must not be empty", nil)
	}
	if cfg.port == 0 {
		cfg.port = 80
	}

	c := &G2Client{
		host:        host,
		port:        cfg.port,
		useSSL:      cfg.useSSL,
		httpClient:  &http.Client{Timeout: cfg.timeout},
		timeout:     cfg.timeout,
		cache:       newTimeWindowCache(cfg.cacheWindow),
		retryPolicy: cfg.retryPolicy,
		logger:      cfg.logger,
		simMode:     cfg.simulationMode,
	}

	if cfg.simulationMode {
		sim, err := newSimulationEngine(cfg)
		if err != nil {
			return nil, err
		}
		c.sim = sim
	}

	return c, nil
}

func (c *G2Client) baseURL() string {
	scheme := "http"
	if c.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.host, c.port)
}

// Authenticate registers this client with the panel and stores the returned
// bearer token in process memory. No persistence across process lifetimes.
func (c *G2Client) Authenticate(ctx context.Context, name, description string) (string, error) {
	body := Body{}.Set("name", name).Set("description", description)
	payload, err := body.Bytes()
	if err != nil {
		return "", newError(KindValidation, "Authenticate", "failed to build request body", err)
	}

	doc, err := doRetry(ctx, c.retryPolicy, c.logger, "Authenticate", nil, func(ctx context.Context, attempt int) (jsonDoc, *classifiedError) {
		return c.doRequest(ctx, http.MethodPost, "/api/v1/auth/register", payload, false)
	})
	if err != nil {
		return "", err
	}

	token := doc.Get("access_token").String()
	if token == "" {
		return "", newError(KindUnexpectedStatus, "Authenticate", "response missing access_token", nil)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

// SetAccessToken installs an externally-supplied bearer token, superseding
// any token currently held without persisting either one.
func (c *G2Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *G2Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// reauthenticate is the one-shot escalation path the retry engine invokes
// on a terminal Auth classification for G2 only. It re-issues registration
// with a fixed identity; embedders that need custom re-auth should call
// Authenticate explicitly and SetAccessToken before retrying themselves.
func (c *G2Client) reauthenticate(ctx context.Context) error {
	_, err := c.Authenticate(ctx, "panel-client", "automatic re-authentication")
	return err
}

// doRequest issues one HTTP request and classifies the outcome into the
// error taxonomy. authRequired attaches the bearer token when present.
func (c *G2Client) doRequest(ctx context.Context, method, path string, body []byte, authRequired bool) (jsonDoc, *classifiedError) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return jsonDoc{}, &classifiedError{kind: KindValidation, err: err}
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if authRequired {
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := KindNetworkConnect
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind = KindTimeout
		}
		return jsonDoc{}, &classifiedError{kind: kind, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jsonDoc{}, &classifiedError{kind: KindUnexpectedStatus, err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return jsonDoc{raw: string(raw)}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return jsonDoc{}, &classifiedError{kind: KindAuth, err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	case resp.StatusCode == http.StatusInternalServerError:
		return jsonDoc{}, &classifiedError{kind: KindServerError, err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout:
		return jsonDoc{}, &classifiedError{kind: KindRetriableHTTP, err: fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))}
	default:
		return jsonDoc{}, &classifiedError{kind: KindUnexpectedStatus, err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))}
	}
}

// cachedGet reads key from the cache, falling back to the live fetch on a
// miss, writing the result back only on success (§4.B/§4.D).
func (c *G2Client) cachedGet(ctx context.Context, key, path string) (jsonDoc, error) {
	if v, ok := c.cache.get(key); ok {
		return v.(jsonDoc), nil
	}
	doc, err := doRetry(ctx, c.retryPolicy, c.logger, key, c.reauthenticate, func(ctx context.Context, attempt int) (jsonDoc, *classifiedError) {
		return c.doRequest(ctx, http.MethodGet, path, nil, true)
	})
	if err != nil {
		return jsonDoc{}, err
	}
	c.cache.put(key, doc)
	return doc, nil
}

// Status reads the panel's identity and hardware-status endpoint.
func (c *G2Client) Status(ctx context.Context) (jsonDoc, error) {
	if c.simMode {
		return c.cachedSim(ctx, "status_sim", c.sim.status)
	}
	return c.cachedGet(ctx, "status", "/api/v1/status")
}

// cachedSim mirrors cachedGet's read-cache-then-fetch-then-write shape for
// the simulation engine, which never fails transiently so no retry wrapping
// is needed.
func (c *G2Client) cachedSim(ctx context.Context, key string, fetch func(context.Context) (jsonDoc, error)) (jsonDoc, error) {
	if v, ok := c.cache.get(key); ok {
		return v.(jsonDoc), nil
	}
	doc, err := fetch(ctx)
	if err != nil {
		return jsonDoc{}, err
	}
	c.cache.put(key, doc)
	return doc, nil
}

// PanelState reads the panel's main-feed and per-branch telemetry.
func (c *G2Client) PanelState(ctx context.Context) (jsonDoc, error) {
	if c.simMode {
		return c.cachedSim(ctx, "panel_sim", c.sim.panelState)
	}
	return c.cachedGet(ctx, "panel_state", "/api/v1/panel")
}

// StorageSOE reads battery state-of-energy, when present.
func (c *G2Client) StorageSOE(ctx context.Context) (jsonDoc, error) {
	if c.simMode {
		return c.cachedSim(ctx, "storage_soe_sim", c.sim.storageSOE)
	}
	return c.cachedGet(ctx, "storage_soe", "/api/v1/storage/soe")
}

// BatteryStatus projects StorageSOE's opaque response into the typed
// reading EnergySource exposes, so callers that only need battery state
// can depend on that narrower interface instead of the full *G2Client.
func (c *G2Client) BatteryStatus(ctx context.Context) (BatterySOEReading, error) {
	doc, err := c.StorageSOE(ctx)
	if err != nil {
		return BatterySOEReading{}, err
	}
	return BatterySOEReading{
		SOE:          doc.Get("soe").Num,
		MaxEnergyKWh: doc.Get("max_energy_kwh").Num,
	}, nil
}

// Circuits reads the configured-circuit list and augments it with synthetic
// unmapped-tab entries for every panel position no configured circuit
// covers (§4.D). Cache-hit behaviour is special: a cached circuits response
// is re-synthesized against the cached panel state when that entry is also
// present; without a cached panel state it is returned as cached.
func (c *G2Client) Circuits(ctx context.Context) (jsonDoc, error) {
	if c.simMode {
		circDoc, err := c.cachedSim(ctx, "circuits_sim", c.sim.circuits)
		if err != nil {
			return jsonDoc{}, err
		}
		panelDoc, err := c.PanelState(ctx)
		if err != nil {
			return circDoc, nil
		}
		return c.synthesizeUnmapped(circDoc, panelDoc)
	}

	cachedPanel, havePanel := c.cache.get("panel_state")

	if v, ok := c.cache.get("circuits"); ok {
		doc := v.(jsonDoc)
		if havePanel {
			return c.synthesizeUnmapped(doc, cachedPanel.(jsonDoc))
		}
		return doc, nil
	}

	doc, err := doRetry(ctx, c.retryPolicy, c.logger, "circuits", c.reauthenticate, func(ctx context.Context, attempt int) (jsonDoc, *classifiedError) {
		return c.doRequest(ctx, http.MethodGet, "/api/v1/circuits", nil, true)
	})
	if err != nil {
		return jsonDoc{}, err
	}
	c.cache.put("circuits", doc)

	panelDoc, err := c.PanelState(ctx)
	if err != nil {
		return doc, nil
	}
	return c.synthesizeUnmapped(doc, panelDoc)
}

// synthesizeUnmapped implements §4.D steps 1-3: build the mapped-position
// set from every configured circuit's tabs, then emit a virtual circuit for
// every uncovered position, sourcing its relay/priority/power/energy from
// the matching branch record in panel state.
func (c *G2Client) synthesizeUnmapped(circuitsDoc, panelDoc jsonDoc) (jsonDoc, error) {
	mapped := map[int]bool{}
	configured := circuitsDoc.Get("circuits").Array()
	for _, circ := range configured {
		for _, tab := range circ.Get("tabs").Array() {
			mapped[int(tab.Int())] = true
		}
	}

	totalTabs := int(panelDoc.Get("total_tabs").Int())
	if totalTabs == 0 {
		totalTabs = len(panelDoc.Get("branches").Array())
	}

	branches := map[int]gjson.Result{}
	for _, b := range panelDoc.Get("branches").Array() {
		branches[int(b.Get("id").Int())] = b
	}

	// Rebuild the circuits array explicitly rather than mutating the
	// original JSON in place, since sjson's array-append semantics make
	// in-place augmentation of an already-marshaled array error-prone.
	var elements []string
	for _, circ := range configured {
		elements = append(elements, circ.Raw)
	}
	for p := 1; p <= totalTabs; p++ {
		if mapped[p] {
			continue
		}
		entry := Body{}.
			Set("id", fmt.Sprintf("unmapped_tab_%d", p)).
			Set("name", fmt.Sprintf("Tab %d", p)).
			Set("tabs", []int{p})
		if branch, ok := branches[p]; ok {
			entry = entry.
				Set("power_w", branch.Get("power_w").Num).
				Set("voltage_v", branch.Get("voltage_v").Num).
				Set("current_a", branch.Get("current_a").Num).
				Set("relay_state", branch.Get("relay_state").String()).
				Set("priority", branch.Get("priority").String()).
				Set("energy_consumed_wh", branch.Get("energy_consumed_wh").Num).
				Set("energy_produced_wh", branch.Get("energy_produced_wh").Num)
		}
		entryStr, err := entry.String()
		if err != nil {
			return jsonDoc{}, newError(KindUnexpectedStatus, "Circuits", "failed to synthesize unmapped tab", err)
		}
		elements = append(elements, entryStr)
	}

	raw := "{\"circuits\":[" + strings.Join(elements, ",") + "]}"
	return jsonDoc{raw: raw}, nil
}

// SetCircuitRelay writes a circuit's relay state and invalidates the entire
// cache on success (§8 invariant 4).
func (c *G2Client) SetCircuitRelay(ctx context.Context, id string, state RelayState) error {
	if c.simMode {
		if err := c.sim.setCircuitOverride(id, "relay_state", string(state)); err != nil {
			return err
		}
		c.cache.clear()
		return nil
	}
	body, err := Body{}.Set("relayState", string(state)).Bytes()
	if err != nil {
		return newError(KindValidation, "SetCircuitRelay", "failed to build request body", err)
	}
	_, rerr := doRetry(ctx, c.retryPolicy, c.logger, "SetCircuitRelay", c.reauthenticate, func(ctx context.Context, attempt int) (jsonDoc, *classifiedError) {
		return c.doRequest(ctx, http.MethodPost, "/api/v1/circuits/"+id+"/relay", body, true)
	})
	if rerr != nil {
		return rerr
	}
	c.cache.clear()
	return nil
}

// SetCircuitPriority writes a circuit's load-shed priority and invalidates
// the entire cache on success.
func (c *G2Client) SetCircuitPriority(ctx context.Context, id string, priority Priority) error {
	if c.simMode {
		if err := c.sim.setCircuitOverride(id, "priority", string(priority)); err != nil {
			return err
		}
		c.cache.clear()
		return nil
	}
	body, err := Body{}.Set("priority", string(priority)).Bytes()
	if err != nil {
		return newError(KindValidation, "SetCircuitPriority", "failed to build request body", err)
	}
	_, rerr := doRetry(ctx, c.retryPolicy, c.logger, "SetCircuitPriority", c.reauthenticate, func(ctx context.Context, attempt int) (jsonDoc, *classifiedError) {
		return c.doRequest(ctx, http.MethodPost, "/api/v1/circuits/"+id+"/priority", body, true)
	})
	if rerr != nil {
		return rerr
	}
	c.cache.clear()
	return nil
}

// Ping performs a cheap, cache-bypassing status read to verify reachability,
// used by the factory's auto-detect probe.
func (c *G2Client) Ping(ctx context.Context) error {
	_, cerr := c.doRequest(ctx, http.MethodGet, "/api/v1/status", nil, false)
	if cerr != nil {
		return newError(cerr.kind, "Ping", "panel did not respond", cerr.err)
	}
	return nil
}

// Snapshot issues the four read endpoints and projects the result into the
// transport-agnostic record (§4.D, §3). The four fetches run concurrently
// and all four are awaited; a Status, PanelState or Circuits failure is
// returned (checked in that order), while a StorageSOE failure only leaves
// the battery fields unset.
func (c *G2Client) Snapshot(ctx context.Context) (PanelSnapshot, error) {
	type result struct {
		doc jsonDoc
		err error
	}
	statusCh := make(chan result, 1)
	panelCh := make(chan result, 1)
	circuitsCh := make(chan result, 1)
	storageCh := make(chan result, 1)

	go func() { d, e := c.Status(ctx); statusCh <- result{d, e} }()
	go func() { d, e := c.PanelState(ctx); panelCh <- result{d, e} }()
	go func() { d, e := c.Circuits(ctx); circuitsCh <- result{d, e} }()
	go func() { d, e := c.StorageSOE(ctx); storageCh <- result{d, e} }()

	statusRes := <-statusCh
	panelRes := <-panelCh
	circuitsRes := <-circuitsCh
	storageRes := <-storageCh

	if statusRes.err != nil {
		return PanelSnapshot{}, statusRes.err
	}
	if panelRes.err != nil {
		return PanelSnapshot{}, panelRes.err
	}
	if circuitsRes.err != nil {
		return PanelSnapshot{}, circuitsRes.err
	}

	snap := PanelSnapshot{
		Generation:      GenG2,
		SerialNumber:    statusRes.doc.Get("serial_number").String(),
		FirmwareVersion: statusRes.doc.Get("firmware_version").String(),
		MainPowerW:      panelRes.doc.Get("main_power_w").Num,
		Circuits:        map[string]CircuitSnapshot{},
	}

	if gp := panelRes.doc.Get("grid_power_w"); gp.Exists() {
		v := gp.Num
		snap.GridPowerW = &v
	}
	if rs := panelRes.doc.Get("main_relay_state"); rs.Exists() {
		v := RelayState(rs.String())
		snap.MainRelayState = &v
	}
	if ds := statusRes.doc.Get("door_state"); ds.Exists() {
		v := ds.String()
		snap.DoorState = &v
	}
	if dsm := statusRes.doc.Get("dsm_state"); dsm.Exists() {
		v := dsm.String()
		snap.DSMState = &v
	}
	if storageRes.err == nil {
		if soe := storageRes.doc.Get("soe"); soe.Exists() {
			v := soe.Num
			snap.BatterySOE = &v
		}
		if mx := storageRes.doc.Get("max_energy_kwh"); mx.Exists() {
			v := mx.Num
			snap.BatteryMaxEnergyKWh = &v
		}
	}

	for _, circ := range circuitsRes.doc.Get("circuits").Array() {
		cs := CircuitSnapshot{
			CircuitID: circ.Get("id").String(),
			Name:      circ.Get("name").String(),
			PowerW:    circ.Get("power_w").Num,
			VoltageV:  circ.Get("voltage_v").Num,
			CurrentA:  circ.Get("current_a").Num,
		}
		cs.IsOn = cs.VoltageV*1000 > breakerOffVoltageMV
		tabs := circ.Get("tabs").Array()
		cs.Tabs = make([]int, 0, len(tabs))
		for _, t := range tabs {
			cs.Tabs = append(cs.Tabs, int(t.Int()))
		}
		cs.IsDualPhase = len(cs.Tabs) == 2 && AreTabsOppositePhase(cs.Tabs[0], cs.Tabs[1])

		if rs := circ.Get("relay_state"); rs.Exists() {
			v := RelayState(rs.String())
			cs.RelayState = &v
		}
		if pr := circ.Get("priority"); pr.Exists() {
			v := Priority(pr.String())
			cs.CircuitPriority = &v
		}
		if ec := circ.Get("energy_consumed_wh"); ec.Exists() {
			v := ec.Num
			cs.EnergyConsumedWh = &v
		}
		if ep := circ.Get("energy_produced_wh"); ep.Exists() {
			v := ep.Num
			cs.EnergyProducedWh = &v
		}
		snap.Circuits[cs.CircuitID] = cs
	}

	return snap, nil
}

// Close releases the client's resources. The G2 transport holds no
// background tasks, so this only clears the cache and forgets the token.
func (c *G2Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.token = ""
	c.cache.clear()
	return nil
}

// Capabilities returns the G2 capability set (every flag but PUSH_STREAMING).
func (c *G2Client) Capabilities() Capability { return CapGen2Full }

// SetCircuitOverrides mutates simulated circuit state directly, bypassing
// the template-driven power curve for the named fields. Valid only in
// simulation mode; clears the cache like any other write operation.
func (c *G2Client) SetCircuitOverrides(overrides map[string]map[string]string) error {
	if !c.simMode {
		return newError(KindConfigError, "SetCircuitOverrides", "only valid in simulation mode", nil)
	}
	for id, fields := range overrides {
		for field, value := range fields {
			if err := c.sim.setCircuitOverride(id, field, value); err != nil {
				return err
			}
		}
	}
	c.cache.clear()
	return nil
}

// ClearCircuitOverrides removes every simulated override. Idempotent: the
// second call is a semantic no-op, though the cache is still cleared.
func (c *G2Client) ClearCircuitOverrides() error {
	if !c.simMode {
		return newError(KindConfigError, "ClearCircuitOverrides", "only valid in simulation mode", nil)
	}
	c.sim.clearCircuitOverrides()
	c.cache.clear()
	return nil
}

// SetGlobalPowerMultiplier scales every simulated circuit's power output.
func (c *G2Client) SetGlobalPowerMultiplier(m float64) error {
	if !c.simMode {
		return newError(KindConfigError, "SetGlobalPowerMultiplier", "only valid in simulation mode", nil)
	}
	c.sim.setGlobalPowerMultiplier(m)
	c.cache.clear()
	return nil
}
