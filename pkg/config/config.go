// Package config loads and validates the arbiter daemon configuration.
//
// Configuration is read from a YAML file, then environment overrides are
// applied, then the result is validated. Every option has a default except
// the node name and the empty witness policy: the latter decides whether a
// node with no witnesses assumes it is isolated or that the peer is dead, and
// must be chosen explicitly by the operator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Empty witness policies.
const (
	PolicyAssumeIsolated = "assume-isolated"
	PolicyAssumePeerDead = "assume-peer-dead"
)

// Resource scopes.
const (
	ScopeLocal   = "local"
	ScopeForeign = "foreign"
	ScopeAll     = "all"
)

// Probe methods.
const (
	ProbeTCP  = "tcp"
	ProbeICMP = "icmp"
)

// Bus transports.
const (
	TransportMangos = "mangos"
	TransportZMQ    = "zmq"
)

// Config is the complete daemon configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Witnesses   []string          `yaml:"witnesses" validate:"dive,required,hostname_port|ip|hostname"`
	Probe       ProbeConfig       `yaml:"probe"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Resources   ResourcesConfig   `yaml:"resources"`
	Fencing     FencingConfig     `yaml:"fencing"`
	Hooks       HooksConfig       `yaml:"hooks"`
	Bus         BusConfig         `yaml:"bus"`
	HTTP        HTTPConfig        `yaml:"http"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// NodeConfig identifies the local node.
type NodeConfig struct {
	Name string `yaml:"name" validate:"required,max=64"`
}

// ProbeConfig controls witness probing.
type ProbeConfig struct {
	Method         string        `yaml:"method" validate:"oneof=tcp icmp"`
	WitnessTimeout time.Duration `yaml:"witness_timeout"`
	RoundTimeout   time.Duration `yaml:"round_timeout"`
}

// ArbitrationConfig controls verdict policy.
type ArbitrationConfig struct {
	// EmptyWitnessPolicy applies when the witness set is empty.
	EmptyWitnessPolicy string `yaml:"empty_witness_policy" validate:"required,oneof=assume-isolated assume-peer-dead"`
	// ReleaseScope selects which owned groups are shed on self-isolation.
	ReleaseScope string `yaml:"release_scope" validate:"oneof=local foreign all"`
}

// ResourceGroup maps a resource group to its home node.
type ResourceGroup struct {
	Name string `yaml:"name" validate:"required"`
	Node string `yaml:"node" validate:"required"`
}

// ResourcesConfig lists resource groups. A node without an entry owns a
// single group named after itself.
type ResourcesConfig struct {
	Groups []ResourceGroup `yaml:"groups" validate:"dive"`
}

// FencingConfig controls the fencing coordinator.
type FencingConfig struct {
	LockDir        string            `yaml:"lock_dir" validate:"required"`
	LockWait       time.Duration     `yaml:"lock_wait"`
	StaleGrace     time.Duration     `yaml:"stale_grace"`
	PollInterval   time.Duration     `yaml:"poll_interval"`
	FenceTimeout   time.Duration     `yaml:"fence_timeout"`
	Channels       map[string]string `yaml:"channels"`
	DefaultChannel string            `yaml:"default_channel"`
	// Command is the fence agent argv; {peer} and {channel} are substituted.
	Command []string `yaml:"command"`
}

// HooksConfig names the commands used to signal the resource manager.
type HooksConfig struct {
	StepDown []string      `yaml:"step_down"`
	Release  []string      `yaml:"release"`
	Escalate []string      `yaml:"escalate"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BusConfig controls the control message bus.
type BusConfig struct {
	Transport         string        `yaml:"transport" validate:"oneof=mangos zmq"`
	Listen            string        `yaml:"listen" validate:"required"`
	Peers             []string      `yaml:"peers" validate:"dive,required"`
	AuthKey           string        `yaml:"auth_key" validate:"omitempty,min=16"`
	CompressThreshold int           `yaml:"compress_threshold" validate:"gte=0"`
	RecvTimeout       time.Duration `yaml:"recv_timeout"`
}

// HTTPConfig controls the status and control API. The API can trigger
// arbitration and fencing, so an address reachable from other hosts is only
// accepted with client certificates required.
type HTTPConfig struct {
	Addr string    `yaml:"addr" validate:"required"`
	TLS  TLSConfig `yaml:"tls"`
}

// TLSConfig serves the API over TLS when a key pair is configured or
// auto_generate is set. ca_file enables client certificate verification.
type TLSConfig struct {
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	AutoGenerate      bool          `yaml:"auto_generate"`
	Hosts             []string      `yaml:"hosts"`
	ValidFor          time.Duration `yaml:"valid_for"`
}

// AuditConfig sizes the incident journal. Path, when set, receives a
// hash-chained copy of every entry.
type AuditConfig struct {
	Capacity int    `yaml:"capacity" validate:"gte=1"`
	Path     string `yaml:"path"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default filled in. Node name
// and empty witness policy are left blank on purpose; Validate rejects them.
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			Method:         ProbeTCP,
			WitnessTimeout: time.Second,
			RoundTimeout:   3 * time.Second,
		},
		Arbitration: ArbitrationConfig{
			ReleaseScope: ScopeForeign,
		},
		Fencing: FencingConfig{
			LockDir:      "/var/lock",
			LockWait:     30 * time.Second,
			StaleGrace:   60 * time.Second,
			PollInterval: 250 * time.Millisecond,
			FenceTimeout: 120 * time.Second,
			Channels:     map[string]string{},
		},
		Hooks: HooksConfig{
			Timeout: 30 * time.Second,
		},
		Bus: BusConfig{
			Transport:         TransportMangos,
			Listen:            "tcp://0.0.0.0:7781",
			CompressThreshold: 512,
			RecvTimeout:       500 * time.Millisecond,
		},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:7780"},
		Audit:   AuditConfig{Capacity: 1024},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected options from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("ARBITER_NODE_NAME"); ok && v != "" {
		c.Node.Name = v
	}
	if v, ok := lookup("ARBITER_WITNESSES"); ok {
		c.Witnesses = splitList(v)
	}
	if v, ok := lookup("ARBITER_EMPTY_WITNESS_POLICY"); ok && v != "" {
		c.Arbitration.EmptyWitnessPolicy = v
	}
	if v, ok := lookup("ARBITER_BUS_AUTH_KEY"); ok && v != "" {
		c.Bus.AuthKey = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// ChannelFor returns the fencing channel configured for peer.
func (c *Config) ChannelFor(peer string) (string, bool) {
	if ch, ok := c.Fencing.Channels[peer]; ok && ch != "" {
		return ch, true
	}
	if c.Fencing.DefaultChannel != "" {
		return c.Fencing.DefaultChannel, true
	}
	return "", false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
