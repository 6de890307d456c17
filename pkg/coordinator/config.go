// config.go mirrors the reference cache's pkg/config.go: an unexported
// config struct plus a set of functional Options, validated once in
// applyOptions with descriptive sentinel errors.
package coordinator

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/buildcore/buildcore/pkg/events"
	"github.com/buildcore/buildcore/pkg/eviction"
	"github.com/buildcore/buildcore/pkg/sandbox"
)

// Option configures a Coordinator at construction time.
type Option func(*config)

type config struct {
	workspaceRoot  string
	installSecret  []byte
	logger         *zap.Logger
	registry       *prometheus.Registry
	events         events.Publisher
	remote         RemoteCacheClient
	resourceLimits sandbox.ResourceLimits

	targetBounds eviction.Bounds
	actionBounds eviction.Bounds
	maxAge       time.Duration
}

func defaultConfig() *config {
	return &config{
		logger:         zap.NewNop(),
		events:         events.NopPublisher{},
		remote:         NopRemoteCacheClient{},
		resourceLimits: sandbox.DefaultHermeticProfile(),
		targetBounds:   eviction.DefaultTargetBounds(),
		actionBounds:   eviction.DefaultActionBounds(),
		maxAge:         30 * 24 * time.Hour,
	}
}

// WithWorkspaceRoot sets the workspace root every on-disk cache file and the
// envelope signing key are derived from. Required.
func WithWorkspaceRoot(root string) Option {
	return func(c *config) { c.workspaceRoot = root }
}

// WithLogger plugs an external zap.Logger. The coordinator never logs on the
// hot path (cache hits/misses only emit events/metrics); cache corruption
// and expiry recovery and failed remote pushes are logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics. Passing nil leaves metrics
// disabled (the default).
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithRemoteCache plugs an optional remote cache transport.
func WithRemoteCache(client RemoteCacheClient) Option {
	return func(c *config) {
		if client != nil {
			c.remote = client
		}
	}
}

// WithEventPublisher plugs an external event sink. Publishing must never
// block the build (see events.Publisher).
func WithEventPublisher(p events.Publisher) Option {
	return func(c *config) {
		if p != nil {
			c.events = p
		}
	}
}

// WithResourceLimits overrides the hermetic sandbox's default resource
// limits.
func WithResourceLimits(limits sandbox.ResourceLimits) Option {
	return func(c *config) { c.resourceLimits = limits }
}

// WithInstallSecret sets the per-install HMAC secret the envelope signer
// derives its key from, taking precedence over the BUILDCORE_INSTALL_SECRET
// environment variable.
func WithInstallSecret(secret []byte) Option {
	return func(c *config) { c.installSecret = secret }
}

// WithCacheBounds overrides the target and action cache eviction bounds,
// taking precedence over BUILDER_CACHE_MAX_*/BUILDER_ACTION_CACHE_MAX_*.
func WithCacheBounds(target, action eviction.Bounds) Option {
	return func(c *config) {
		c.targetBounds = target
		c.actionBounds = action
	}
}

// applyOptions runs every option, layers in environment-variable overrides
// per spec.md §6's resolution order (option > env > default), and validates
// invariants.
func applyOptions(opts []Option) (*config, error) {
	c := defaultConfig()
	applyEnvOverrides(c)
	for _, opt := range opts {
		opt(c)
	}

	if c.workspaceRoot == "" {
		return nil, errInvalidWorkspaceRoot
	}
	if c.targetBounds.MaxBytes <= 0 || c.actionBounds.MaxBytes <= 0 {
		return nil, errInvalidBounds
	}
	if len(c.installSecret) == 0 {
		c.installSecret = []byte(defaultInstallSecret)
	}
	return c, nil
}

// applyEnvOverrides reads BUILDER_CACHE_MAX_*/BUILDER_ACTION_CACHE_MAX_*
// into the built-in defaults; applyOptions runs it before the functional
// options, so an explicit option takes precedence.
func applyEnvOverrides(c *config) {
	if v, ok := envInt64("BUILDER_CACHE_MAX_SIZE"); ok {
		c.targetBounds.MaxBytes = v
	}
	if v, ok := envInt("BUILDER_CACHE_MAX_ENTRIES"); ok {
		c.targetBounds.MaxEntries = v
	}
	if v, ok := envInt64("BUILDER_ACTION_CACHE_MAX_SIZE"); ok {
		c.actionBounds.MaxBytes = v
	}
	if v, ok := envInt("BUILDER_ACTION_CACHE_MAX_ENTRIES"); ok {
		c.actionBounds.MaxEntries = v
	}
	if v, ok := envInt("BUILDER_CACHE_MAX_AGE_DAYS"); ok {
		c.maxAge = time.Duration(v) * 24 * time.Hour
	}
	if v := os.Getenv("BUILDCORE_INSTALL_SECRET"); v != "" && len(c.installSecret) == 0 {
		c.installSecret = []byte(v)
	}
}

func envInt64(key string) (int64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(key string) (int, bool) {
	v, ok := envInt64(key)
	return int(v), ok
}

// defaultInstallSecret is used only when neither WithInstallSecret nor
// BUILDCORE_INSTALL_SECRET supply one; it still produces a workspace-keyed
// signature, just not one unique across installs.
const defaultInstallSecret = "buildcore-default-install-secret"

var (
	errInvalidWorkspaceRoot = errors.New("coordinator: workspace root must be non-empty")
	errInvalidBounds        = errors.New("coordinator: cache bounds must be positive")
	errNoRemote             = errors.New("coordinator: no remote cache configured")
)
