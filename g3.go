// SPDX-License-Identifier: MPL-2.0

package panel

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/span-go/panel/internal/wire"
)

const (
	g3MethodGetInstances = "/span.gen3.PanelService/GetInstances"
	g3MethodGetRevision  = "/span.gen3.PanelService/GetRevision"
	g3MethodSubscribe    = "/span.gen3.PanelService/Subscribe"
)

// rawMessage is the grpc payload type the G3 transport exchanges: an
// already wire-encoded frame, passed through untouched by rawCodec so
// internal/wire's hand-rolled codec remains the only thing that
// understands message shapes. There is no generated .proto schema (§4.A).
type rawMessage []byte

// rawCodec is an encoding.Codec that treats every message as an opaque
// byte slice, installed via grpc.ForceCodec so the channel carries
// internal/wire frames instead of marshaled proto.Message values.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *rawMessage:
		return []byte(*m), nil
	case rawMessage:
		return []byte(m), nil
	default:
		return nil, fmt.Errorf("panel: rawCodec cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("panel: rawCodec cannot unmarshal into %T", v)
	}
	*m = append((*m)[:0:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }

// CircuitInfo is a G3 circuit's static topology (§3), established once by
// discoverTopology. IsDualPhase starts false and becomes sticky true the
// first time a streamed notification for this circuit decodes via the
// dual-phase sub-message rather than single-phase.
type CircuitInfo struct {
	CircuitID       string
	Name            string
	NameIID         int
	MetricIID       int
	IsDualPhase     bool
	BreakerPosition int
}

// CircuitMetrics is the latest streamed telemetry for one circuit or the
// main feed (§3).
type CircuitMetrics struct {
	wire.Metrics
	UpdatedAt time.Time
}

// PanelData is the in-memory reflection a G3 client's background stream
// maintains (§3, §5). Go has true OS-thread parallelism, unlike the
// cooperative scheduler the design notes describe as one option, so this
// uses a plain RWMutex rather than an atomically-swapped pointer: readers
// and the single stream-loop writer contend for the same lock instead of
// racing, which satisfies the same "no torn field" requirement.
type PanelData struct {
	mu sync.RWMutex

	serial   string
	firmware string

	circuits           map[string]CircuitInfo
	metrics            map[string]CircuitMetrics
	mainFeed           CircuitMetrics
	metricIIDToCircuit map[int]string

	unknownMetricCount int64
}

func newPanelData() *PanelData {
	return &PanelData{
		circuits:           map[string]CircuitInfo{},
		metrics:            map[string]CircuitMetrics{},
		metricIIDToCircuit: map[int]string{},
	}
}

// Serial returns the panel's resource identifier discovered at connect time.
func (d *PanelData) Serial() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.serial
}

// Firmware returns the panel's firmware version, always empty on G3: none
// of the three RPCs this transport speaks (§6) exposes it.
func (d *PanelData) Firmware() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmware
}

// Circuit returns the static topology for a discovered circuit id.
func (d *PanelData) Circuit(id string) (CircuitInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.circuits[id]
	return info, ok
}

// CircuitIDs returns every discovered circuit id, in no particular order.
func (d *PanelData) CircuitIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.circuits))
	for id := range d.circuits {
		ids = append(ids, id)
	}
	return ids
}

// CircuitMetrics returns the latest streamed telemetry for a circuit, if
// any notification has arrived for it yet.
func (d *PanelData) CircuitMetrics(id string) (CircuitMetrics, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.metrics[id]
	return m, ok
}

// MainFeed returns the latest streamed main-feed telemetry.
func (d *PanelData) MainFeed() CircuitMetrics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mainFeed
}

// UnknownMetricCount reports how many streamed notifications updated
// neither the main feed nor any discovered circuit, whether because their
// instance id is absent from the discovered topology or for any other
// reason the payload was not applied (§9 open
// question: the source silently discards these; this module keeps the
// silent discard but counts it).
func (d *PanelData) UnknownMetricCount() int64 {
	return atomic.LoadInt64(&d.unknownMetricCount)
}

// UpdateEvent describes what changed after one streamed notification, for
// callers registered via G3Client.RegisterCallback.
type UpdateEvent struct {
	CircuitID  string
	IsMainFeed bool
}

type g3Callback struct {
	id uint64
	fn func(UpdateEvent)
}

// UnregisterHandle deregisters a callback previously registered with
// G3Client.RegisterCallback. Go has no finalizer a library should rely on,
// so unlike the conceptual "handle that deregisters when dropped" (§3),
// deregistration here is an explicit Unregister call.
type UnregisterHandle struct {
	client *G3Client
	id     uint64
}

// Unregister removes the associated callback. Safe to call more than once.
func (h UnregisterHandle) Unregister() {
	if h.client == nil {
		return
	}
	h.client.unregister(h.id)
}

// G3Client speaks the binary streaming RPC exposed by generation-three
// panel hardware: no authentication, topology discovered once at connect
// time by positional pairing, and telemetry maintained by a long-lived
// background stream rather than polled on demand.
type G3Client struct {
	host         string
	port         int
	dialTimeout  time.Duration
	probeTimeout time.Duration
	logger       Logger

	mu        sync.Mutex
	conn      *grpc.ClientConn
	connected bool
	closed    bool

	data *PanelData

	cbMu           sync.Mutex
	callbacks      []g3Callback
	nextCallbackID uint64

	streamMu   sync.Mutex
	streaming  bool
	cancelFunc context.CancelFunc
	streamDone chan struct{}
}

// NewG3Client constructs a G3 transport for the given host. The client
// does not connect eagerly; call Connect before StartStreaming or Snapshot.
func NewG3Client(host string, opts ...Option) (*G3Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if host == "" {
		return nil, newError(KindConfigError, "NewG3Client", "host must not be empty", nil)
	}
	port := cfg.port
	if port == 0 {
		port = 50065
	}
	return &G3Client{
		host:         host,
		port:         port,
		dialTimeout:  cfg.timeout,
		probeTimeout: cfg.probeTimeout,
		logger:       cfg.logger,
		data:         newPanelData(),
	}, nil
}

func (c *G3Client) addr() string { return fmt.Sprintf("%s:%d", c.host, c.port) }

func dialRaw(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	)
}

// classifyGrpcErr maps a grpc status code to the error taxonomy (§7):
// Unavailable/DeadlineExceeded are connect-class failures, retriable only
// during the factory's auto-detect probe; everything else is a terminal
// GrpcError.
func classifyGrpcErr(err error) *classifiedError {
	st, ok := status.FromError(err)
	if !ok {
		return &classifiedError{kind: KindGrpcError, err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return &classifiedError{kind: KindGrpcConnect, err: err}
	default:
		return &classifiedError{kind: KindGrpcError, err: err}
	}
}

// Connect opens the plaintext RPC channel and runs topology discovery
// (§4.E). Safe to call again after Close.
func (c *G3Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := dialRaw(c.addr())
	if err != nil {
		return newError(KindGrpcConnect, "Connect", "failed to create channel", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	if err := c.discoverTopology(dialCtx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.connected = true
	c.closed = false
	return nil
}

// TestConnection performs a cheap reachability probe: dial plus one
// GetInstances call, bounded by ProbeTimeout. Used by the factory's
// auto-detect and safe to call without a prior Connect.
func (c *G3Client) TestConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	conn, err := dialRaw(c.addr())
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	req := rawMessage(wire.BuildGetInstancesRequest(wire.VendorSpan, wire.ProductGen3Panel))
	var reply rawMessage
	return conn.Invoke(probeCtx, g3MethodGetInstances, req, &reply) == nil
}

// Ping gives G3 the same reachability-check shape as G2's, so both
// transports satisfy Pinger. It is a thin error-returning wrapper over
// TestConnection's boolean probe.
func (c *G3Client) Ping(ctx context.Context) error {
	if c.TestConnection(ctx) {
		return nil
	}
	return newError(KindGrpcConnect, "Ping", "panel did not respond", nil)
}

// pairTopologyInstances splits a GetInstances response into the sorted,
// de-duplicated naming (trait 16) and metric (trait 26) instance-id lists
// discoverTopology pairs positionally. The main feed always appears as a
// trait-26 instance at wire.MainFeedIID and is excluded from metricIIDs: it
// has no corresponding trait-16 naming instance, so including it would
// make the two lists disagree in length on every real panel.
func pairTopologyInstances(instances []wire.DiscoveredInstance) (namingIIDs, metricIIDs []int, panelResourceID string) {
	for _, inst := range instances {
		if panelResourceID == "" {
			panelResourceID = inst.ResourceID
		}
		switch inst.TraitID {
		case wire.TraitCircuitNames:
			namingIIDs = append(namingIIDs, inst.InstanceID)
		case wire.TraitPowerMetrics:
			if inst.InstanceID == wire.MainFeedIID {
				continue
			}
			metricIIDs = append(metricIIDs, inst.InstanceID)
		}
	}
	return sortedUniqueInts(namingIIDs), sortedUniqueInts(metricIIDs), panelResourceID
}

// discoverTopology implements §4.E's two-list positional-pairing rule: a
// single GetInstances call, independently sorted and de-duplicated naming
// (trait 16) and metric (trait 26) instance-id lists, paired by index. A
// length mismatch is terminal, never retried (S3, §8 invariant 8).
func (c *G3Client) discoverTopology(ctx context.Context, conn *grpc.ClientConn) error {
	req := rawMessage(wire.BuildGetInstancesRequest(wire.VendorSpan, wire.ProductGen3Panel))
	var reply rawMessage
	if err := conn.Invoke(ctx, g3MethodGetInstances, req, &reply); err != nil {
		cerr := classifyGrpcErr(err)
		return newError(cerr.kind, "discoverTopology", "GetInstances failed", cerr.err)
	}

	instances, err := wire.ParseInstances([]byte(reply))
	if err != nil {
		return newError(KindCodecError, "discoverTopology", "failed to parse GetInstances response", err)
	}

	namingIIDs, metricIIDs, panelResourceID := pairTopologyInstances(instances)

	if len(namingIIDs) != len(metricIIDs) {
		return newError(KindTopologyMismatch, "discoverTopology",
			fmt.Sprintf("naming instances (%d) and metric instances (%d) disagree", len(namingIIDs), len(metricIIDs)), nil)
	}

	circuits := make(map[string]CircuitInfo, len(namingIIDs))
	metricIIDToCircuit := make(map[int]string, len(metricIIDs))
	for i := range namingIIDs {
		id := strconv.Itoa(i + 1)
		nameIID := namingIIDs[i]
		metricIID := metricIIDs[i]

		// Names are resolved against name_iid, never the positional id: a
		// prior implementation that used the positional id worked by
		// accident on one hardware model and failed on others (§4.E).
		name := id
		revReq := rawMessage(wire.BuildGetRevisionRequest(wire.VendorSpan, wire.ProductGen3Panel, wire.TraitCircuitNames, nameIID, panelResourceID))
		var revReply rawMessage
		if err := conn.Invoke(ctx, g3MethodGetRevision, revReq, &revReply); err == nil {
			if parsed, ok := wire.ParseCircuitName([]byte(revReply)); ok && parsed != "" {
				name = parsed
			}
		}

		circuits[id] = CircuitInfo{
			CircuitID:       id,
			Name:            name,
			NameIID:         nameIID,
			MetricIID:       metricIID,
			BreakerPosition: i + 1,
		}
		metricIIDToCircuit[metricIID] = id
	}

	c.data.mu.Lock()
	c.data.circuits = circuits
	c.data.metricIIDToCircuit = metricIIDToCircuit
	c.data.serial = panelResourceID
	c.data.mu.Unlock()

	return nil
}

func sortedUniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}

// StartStreaming opens the long-lived Subscribe RPC and begins decoding
// notifications in a background goroutine (§4.E, §5). A no-op if already
// streaming.
func (c *G3Client) StartStreaming(ctx context.Context) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streaming {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return newError(KindGrpcError, "StartStreaming", "not connected", nil)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	desc := &grpc.StreamDesc{StreamName: "Subscribe", ServerStreams: true}
	stream, err := conn.NewStream(streamCtx, desc, g3MethodSubscribe)
	if err != nil {
		cancel()
		cerr := classifyGrpcErr(err)
		return newError(cerr.kind, "StartStreaming", "failed to open subscribe stream", cerr.err)
	}

	req := rawMessage(wire.BuildGetInstancesRequest(wire.VendorSpan, wire.ProductGen3Panel))
	if err := stream.SendMsg(req); err != nil {
		cancel()
		cerr := classifyGrpcErr(err)
		return newError(cerr.kind, "StartStreaming", "failed to send subscribe request", cerr.err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		cerr := classifyGrpcErr(err)
		return newError(cerr.kind, "StartStreaming", "failed to half-close subscribe stream", cerr.err)
	}

	c.cancelFunc = cancel
	c.streamDone = make(chan struct{})
	c.streaming = true
	go c.streamLoop(stream, c.streamDone)
	return nil
}

func (c *G3Client) streamLoop(stream grpc.ClientStream, done chan struct{}) {
	defer close(done)
	for {
		var msg rawMessage
		if err := stream.RecvMsg(&msg); err != nil {
			if err != io.EOF {
				c.logger.Warn("subscribe stream ended", "error", err.Error())
			}
			return
		}
		c.handleNotification([]byte(msg))
	}
}

// handleNotification implements the streaming dispatch rules of §4.E: a
// main-feed payload (field 14) updates PanelData.mainFeed; a payload whose
// metric instance id resolves to a known circuit updates that circuit's
// metrics; anything else is discarded with the counter incremented.
func (c *G3Client) handleNotification(raw []byte) {
	notif, ok := wire.ParseNotification(raw)
	if !ok {
		return
	}

	now := time.Now()
	var event UpdateEvent
	matched := false

	for _, payload := range notif.MetricPayloads {
		fields, err := wire.ParseFields(payload)
		if err != nil {
			continue
		}
		if _, ok := fields[14]; ok {
			m, err := wire.DecodeMainFeed(payload)
			if err != nil {
				continue
			}
			c.data.mu.Lock()
			c.data.mainFeed = CircuitMetrics{Metrics: m, UpdatedAt: now}
			c.data.mu.Unlock()
			event = UpdateEvent{IsMainFeed: true}
			matched = true
			continue
		}
		if f11, ok := wire.GetField(fields, 11); ok {
			if m, err := wire.DecodeSinglePhase(f11.Data); err == nil {
				if c.storeCircuitMetrics(notif.InstanceID, m, false, now, &event) {
					matched = true
				}
			}
			continue
		}
		if f12, ok := wire.GetField(fields, 12); ok {
			if m, err := wire.DecodeDualPhase(f12.Data); err == nil {
				if c.storeCircuitMetrics(notif.InstanceID, m, true, now, &event) {
					matched = true
				}
			}
		}
	}

	if !matched {
		atomic.AddInt64(&c.data.unknownMetricCount, 1)
		return
	}
	c.fireCallbacks(event)
}

func (c *G3Client) storeCircuitMetrics(metricIID int, m wire.Metrics, isDual bool, now time.Time, event *UpdateEvent) bool {
	c.data.mu.Lock()
	circuitID, ok := c.data.metricIIDToCircuit[metricIID]
	if ok {
		c.data.metrics[circuitID] = CircuitMetrics{Metrics: m, UpdatedAt: now}
		if isDual {
			info := c.data.circuits[circuitID]
			info.IsDualPhase = true
			c.data.circuits[circuitID] = info
		}
	}
	c.data.mu.Unlock()
	if !ok {
		return false
	}
	*event = UpdateEvent{CircuitID: circuitID}
	return true
}

// fireCallbacks invokes every registered callback in registration order,
// synchronously, on the stream goroutine (§4.E, S4). A panicking callback
// is isolated with recover() and logged rather than aborting the stream.
func (c *G3Client) fireCallbacks(event UpdateEvent) {
	c.cbMu.Lock()
	cbs := make([]g3Callback, len(c.callbacks))
	copy(cbs, c.callbacks)
	c.cbMu.Unlock()

	for _, cb := range cbs {
		c.invokeCallback(cb, event)
	}
}

func (c *G3Client) invokeCallback(cb g3Callback, event UpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("callback panicked", "callback_id", cb.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	cb.fn(event)
}

// RegisterCallback adds fn to the set invoked after every decoded
// notification. The returned handle deregisters it.
func (c *G3Client) RegisterCallback(fn func(UpdateEvent)) UnregisterHandle {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.nextCallbackID++
	id := c.nextCallbackID
	c.callbacks = append(c.callbacks, g3Callback{id: id, fn: fn})
	return UnregisterHandle{client: c, id: id}
}

func (c *G3Client) unregister(id uint64) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	for i, cb := range c.callbacks {
		if cb.id == id {
			c.callbacks = append(c.callbacks[:i], c.callbacks[i+1:]...)
			return
		}
	}
}

// StopStreaming requests the stream to end and awaits the background
// goroutine with a bounded join timeout (§4.E, §5). Idempotent.
func (c *G3Client) StopStreaming(ctx context.Context) error {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if !c.streaming {
		return nil
	}

	c.cancelFunc()
	select {
	case <-c.streamDone:
	case <-ctx.Done():
		return newError(KindTimeout, "StopStreaming", "timed out waiting for stream to stop", ctx.Err())
	case <-time.After(5 * time.Second):
		return newError(KindTimeout, "StopStreaming", "timed out waiting for stream to stop", nil)
	}

	c.streaming = false
	c.cancelFunc = nil
	c.streamDone = nil
	return nil
}

// Data returns a borrow of the live PanelData reflection for advanced
// callers who need direct topology or per-circuit access (§4.E).
func (c *G3Client) Data() *PanelData { return c.data }

// Snapshot is a pure in-memory read, safe to call from within a callback
// (§4.E). It fails only if topology has never been discovered.
func (c *G3Client) Snapshot(ctx context.Context) (PanelSnapshot, error) {
	c.data.mu.RLock()
	defer c.data.mu.RUnlock()

	if len(c.data.circuits) == 0 {
		return PanelSnapshot{}, newError(KindGrpcError, "Snapshot", "topology not discovered; call Connect first", nil)
	}

	mainVoltage := c.data.mainFeed.VoltageV
	mainCurrent := c.data.mainFeed.CurrentA
	mainFrequency := c.data.mainFeed.FrequencyHz

	snap := PanelSnapshot{
		Generation:      GenG3,
		SerialNumber:    c.data.serial,
		FirmwareVersion: c.data.firmware,
		MainPowerW:      c.data.mainFeed.PowerW,
		MainVoltageV:    &mainVoltage,
		MainCurrentA:    &mainCurrent,
		MainFrequencyHz: &mainFrequency,
		Circuits:        make(map[string]CircuitSnapshot, len(c.data.circuits)),
	}

	for id, info := range c.data.circuits {
		cs := CircuitSnapshot{
			CircuitID:   info.CircuitID,
			Name:        info.Name,
			IsDualPhase: info.IsDualPhase,
		}
		if m, ok := c.data.metrics[id]; ok {
			cs.PowerW = m.PowerW
			cs.VoltageV = m.VoltageV
			cs.CurrentA = m.CurrentA
			cs.IsOn = m.IsOn

			apv := m.ApparentPowerVA
			cs.ApparentPowerVA = &apv
			rpv := m.ReactivePowerVAR
			cs.ReactivePowerVAR = &rpv
			pf := m.PowerFactor
			cs.PowerFactor = &pf
		}
		snap.Circuits[id] = cs
	}

	return snap, nil
}

// Close releases the channel and stops the background stream if active.
// Idempotent.
func (c *G3Client) Close() error {
	_ = c.StopStreaming(context.Background())

	c.mu.Lock()
	conn := c.conn
	already := c.closed
	c.closed = true
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if already || conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn("error closing G3 channel", "error", err.Error())
	}
	return nil
}

// Capabilities returns the G3 capability set: push streaming only.
func (c *G3Client) Capabilities() Capability { return CapGen3Initial }
