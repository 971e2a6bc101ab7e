// SPDX-License-Identifier: MPL-2.0

package panel

import "time"

// config accumulates the options recognized across both transports and the
// factory (§6 "Configuration surface"). Each constructor (NewG2Client,
// NewG3Client, NewClient) reads the fields relevant to it and ignores the
// rest.
type config struct {
	port                 int
	timeout              time.Duration
	useSSL               bool
	cacheWindow          time.Duration
	retryPolicy          RetryPolicy
	simulationMode       bool
	simulationConfigPath string
	simulationConfigData []byte
	simulationStartTime  time.Time
	logger               Logger
	generation           *Generation
	probeTimeout         time.Duration
}

func defaultConfig() config {
	return config{
		timeout:     30 * time.Second,
		cacheWindow: time.Second,
		retryPolicy: RetryPolicy{
			MaxRetries:   0,
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
		},
		logger:       NoOpLogger{},
		probeTimeout: 3 * time.Second,
	}
}

// Option configures a client constructed via NewG2Client, NewG3Client, or
// the factory's NewClient.
type Option func(*config)

// Port overrides the default port (80 for G2, 50065 for G3).
func Port(p int) Option { return func(c *config) { c.port = p } }

// Timeout sets the per-request timeout (timeout_s).
func Timeout(d time.Duration) Option { return func(c *config) { c.timeout = d } }

// UseSSL enables TLS on the G2 transport. No effect on G3, which is always
// plaintext (§4.E).
func UseSSL(enabled bool) Option { return func(c *config) { c.useSSL = enabled } }

// CacheWindow sets the G2 response cache window (cache_window_s). A window
// of zero disables the cache.
func CacheWindow(d time.Duration) Option { return func(c *config) { c.cacheWindow = d } }

// MaxRetries sets the number of retry attempts beyond the first.
func MaxRetries(n int) Option { return func(c *config) { c.retryPolicy.MaxRetries = n } }

// InitialRetryDelay sets the first backoff delay (initial_retry_delay_s).
func InitialRetryDelay(d time.Duration) Option {
	return func(c *config) { c.retryPolicy.InitialDelay = d }
}

// RetryMultiplier sets the exponential backoff multiplier (retry_multiplier).
func RetryMultiplier(f float64) Option { return func(c *config) { c.retryPolicy.Multiplier = f } }

// SimulationMode replaces the G2 transport's wire calls with the simulation
// engine. No effect on G3.
func SimulationMode(enabled bool) Option { return func(c *config) { c.simulationMode = enabled } }

// SimulationConfigPath points at the declarative YAML configuration for
// the simulation engine (§4.F, §6).
func SimulationConfigPath(path string) Option {
	return func(c *config) { c.simulationConfigPath = path }
}

// SimulationConfigData supplies the declarative YAML configuration inline,
// taking precedence over SimulationConfigPath. Primarily for tests.
func SimulationConfigData(yamlData []byte) Option {
	return func(c *config) { c.simulationConfigData = yamlData }
}

// SimulationStartTime fixes the simulated clock's origin.
func SimulationStartTime(t time.Time) Option {
	return func(c *config) { c.simulationStartTime = t }
}

// WithLogger installs a Logger. The default is NoOpLogger.
func WithLogger(l Logger) Option { return func(c *config) { c.logger = l } }

// WithGeneration forces the factory to construct a specific transport,
// skipping auto-detect (§4.H).
func WithGeneration(g Generation) Option { return func(c *config) { c.generation = &g } }

// ProbeTimeout bounds how long the factory's auto-detect probes wait for
// each transport to respond (§4.H).
func ProbeTimeout(d time.Duration) Option { return func(c *config) { c.probeTimeout = d } }
