// Package config loads and holds the control plane's configuration: the
// storage root, the Unix-socket transport, ACME directory settings, the
// list of managed certificates, and the pass-through Envoy listener/cluster
// objects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

// Provider holds the current configuration and allows atomic, lock-free
// reads from many goroutines while a single writer swaps in a reloaded
// config (e.g. on SIGHUP).
type Provider struct {
	value atomic.Value // holds *Config
}

// NewProvider creates a provider seeded with an initial, non-nil config.
func NewProvider(c *Config) *Provider {
	if c == nil {
		panic("config: initial config cannot be nil")
	}
	p := &Provider{}
	p.value.Store(c)
	return p
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (p *Provider) Get() *Config {
	return p.value.Load().(*Config)
}

// Update atomically swaps in a new configuration. Callers must validate
// newConfig before calling Update.
func (p *Provider) Update(newConfig *Config) {
	p.value.Store(newConfig)
}

const (
	// DefaultAcmeDirectoryURL is Let's Encrypt's production directory.
	DefaultAcmeDirectoryURL = "https://acme-v02.api.letsencrypt.org/directory"
	// DefaultSocketPermissions is applied to the transport's Unix socket.
	DefaultSocketPermissions os.FileMode = 0o777
	// DefaultAcmeChallengePort is the listener port HTTP-01 routes are injected on.
	DefaultAcmeChallengePort = 80

	// DefaultRenewalWindowFloor is the minimum renewal window regardless of
	// validity period. certmanager's renewalWindow applies the same 7-day
	// floor through its own constant; this one is not read.
	DefaultRenewalWindowFloor = 7 * 24 * time.Hour

	// DefaultSchedulerConcurrency bounds simultaneous in-flight ACME orders.
	DefaultSchedulerConcurrency = 2

	// DefaultShutdownDrain is how long live xDS streams are given to drain
	// on SIGTERM/SIGINT before the transport is force-closed.
	DefaultShutdownDrain = 5 * time.Second

	// DefaultOrderDeadline is the default for meta.order_deadline. The
	// setting is decoded and defaulted but nothing reads it; the ACME client
	// bounds each order with its own fixed 120s deadline.
	DefaultOrderDeadline = 180 * time.Second
)

// Meta holds process-wide settings: where state lives, how the xDS
// transport is exposed, and which ACME directory to use.
type Meta struct {
	StorageDir         string `toml:"storage_dir"`
	SocketPath         string `toml:"socket_path"`
	AcmeDirectoryURL   string `toml:"acme_directory_url"`
	SocketPermissions  string `toml:"socket_permissions"` // octal string, e.g. "0770"
	AcmeChallengePort  int    `toml:"acme_challenge_port"`
	SchedulerConcurrency int  `toml:"scheduler_concurrency"`
	ShutdownDrain      Duration `toml:"shutdown_drain"`
	OrderDeadline      Duration `toml:"order_deadline"`
}

// SocketMode parses SocketPermissions as an octal file mode, falling back
// to DefaultSocketPermissions when unset.
func (m Meta) SocketMode() (os.FileMode, error) {
	if m.SocketPermissions == "" {
		return DefaultSocketPermissions, nil
	}
	v, err := strconv.ParseUint(m.SocketPermissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("config: invalid socket_permissions %q: %w", m.SocketPermissions, err)
	}
	return os.FileMode(v), nil
}

// CertificateConfig names one managed certificate and its domain set.
type CertificateConfig struct {
	Name    string   `toml:"name"`
	Domains []string `toml:"domains"`
}

// RouteConfig is one prefix-matched route within a listener's route table.
type RouteConfig struct {
	PathPrefix string `toml:"path_prefix"`
	Cluster    string `toml:"cluster"`
}

// ListenerConfig is the user-authored, proxy-native listener object. The
// resource builder passes these through into the xDS snapshot essentially
// unchanged, except for prepending the HTTP-01 challenge route on
// listeners bound to Port == Meta.AcmeChallengePort, and resolving
// TLSSecretName into an SDS reference.
type ListenerConfig struct {
	Name          string        `toml:"name"`
	Address       string        `toml:"address"`
	Port          uint32        `toml:"port"`
	Routes        []RouteConfig `toml:"routes"`
	TLSSecretName string        `toml:"tls_secret_name"` // empty for plaintext listeners
}

// ClusterConfig is the user-authored, proxy-native cluster object.
type ClusterConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    uint32 `toml:"port"`
}

// Envoy carries the user-authored listener and cluster objects that the
// resource builder passes through (with challenge-route injection) into
// the xDS snapshot.
type Envoy struct {
	Listeners []ListenerConfig `toml:"listeners"`
	Clusters  []ClusterConfig  `toml:"clusters"`
}

// Config is the root, file-backed configuration document (see §6 of the
// specification for the on-disk shape).
type Config struct {
	Meta         Meta                `toml:"meta"`
	Certificates []CertificateConfig `toml:"certificates"`
	Envoy        Envoy               `toml:"envoy"`
}

// Duration wraps time.Duration so it can be authored as a TOML string
// ("30s", "5m") rather than a raw integer count of nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load reads and decodes the TOML configuration file at path, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Meta.AcmeDirectoryURL == "" {
		cfg.Meta.AcmeDirectoryURL = DefaultAcmeDirectoryURL
	}
	if cfg.Meta.AcmeChallengePort == 0 {
		cfg.Meta.AcmeChallengePort = DefaultAcmeChallengePort
	}
	if cfg.Meta.SchedulerConcurrency == 0 {
		cfg.Meta.SchedulerConcurrency = DefaultSchedulerConcurrency
	}
	if cfg.Meta.ShutdownDrain.Duration == 0 {
		cfg.Meta.ShutdownDrain.Duration = DefaultShutdownDrain
	}
	if cfg.Meta.OrderDeadline.Duration == 0 {
		cfg.Meta.OrderDeadline.Duration = DefaultOrderDeadline
	}
}

// Validate checks required fields and uniqueness invariants. It never
// mutates cfg.
func Validate(cfg *Config) error {
	if cfg.Meta.StorageDir == "" {
		return fmt.Errorf("config: meta.storage_dir is required")
	}
	if cfg.Meta.SocketPath == "" {
		return fmt.Errorf("config: meta.socket_path is required")
	}
	if _, err := cfg.Meta.SocketMode(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Certificates))
	for _, c := range cfg.Certificates {
		if c.Name == "" {
			return fmt.Errorf("config: certificate entry missing name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("config: duplicate certificate name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if len(c.Domains) == 0 {
			return fmt.Errorf("config: certificate %q has no domains", c.Name)
		}
	}

	return nil
}
