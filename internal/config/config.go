// Package config holds the fabric's network configuration: the options
// a network service or agent runner is started with, loaded from
// OPENMESH_*-prefixed environment variables with sane defaults, adapted
// from the teacher's internal/config env-driven Config struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode selects the network's topology.
type Mode string

const (
	ModeCentralized  Mode = "centralized"
	ModeDecentralized Mode = "decentralized"
)

// Transport selects the wire backend a network service or agent dials.
type Transport string

const (
	TransportWebsocket Transport = "websocket"
	TransportGRPC      Transport = "grpc"
)

const (
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultAgentTimeout       = 60 * time.Second
	DefaultConnectionTimeout  = 30 * time.Second
	DefaultMessageTimeout     = 30 * time.Second
	DefaultDiscoveryInterval  = 30 * time.Second
	DefaultIdentityTTLHours   = 24
	DefaultMaxConnections     = 1000
)

// Config holds one network's runtime configuration. Fields that may be
// changed after construction (the ones a running node can be reconfigured
// against without a restart) are guarded by mu; everything else is set
// once at load time and read without locking.
type Config struct {
	mu sync.RWMutex

	Name      string
	Mode      Mode
	Transport Transport

	Host       string
	Port       int
	ServerMode bool

	CoordinatorURL  string
	BootstrapNodes  []string
	NodeID          string

	DBPath string

	EncryptionEnabled bool
	EncryptionType    string
	TLSCertPath       string
	TLSKeyPath        string
	TLSAuthorityDir   string
	NaclKeyHex        string

	MaxConnections int

	DiscoveryEnabled bool

	IdentityTTLHours int

	ModManifestPath string
	Mods            []string

	MetricsAddr          string
	MetricsTextfilePath  string

	heartbeatInterval time.Duration
	agentTimeout      time.Duration
	connectionTimeout time.Duration
	messageTimeout    time.Duration
	discoveryInterval time.Duration
}

// Load builds a Config from OPENMESH_*-prefixed environment variables,
// falling back to package defaults for anything unset.
func Load() *Config {
	c := &Config{
		Name:      envStr("OPENMESH_NAME", "fabric"),
		Mode:      Mode(envStr("OPENMESH_MODE", string(ModeCentralized))),
		Transport: Transport(envStr("OPENMESH_TRANSPORT", string(TransportWebsocket))),

		Host:       envStr("OPENMESH_HOST", "0.0.0.0"),
		Port:       envInt("OPENMESH_PORT", 7700),
		ServerMode: envBool("OPENMESH_SERVER_MODE", true),

		CoordinatorURL: envStr("OPENMESH_COORDINATOR_URL", ""),
		BootstrapNodes: envStringList("OPENMESH_BOOTSTRAP_NODES"),
		NodeID:         envStr("OPENMESH_NODE_ID", ""),

		DBPath: envStr("OPENMESH_DB_PATH", "fabric.db"),

		EncryptionEnabled: envBool("OPENMESH_ENCRYPTION_ENABLED", false),
		EncryptionType:    envStr("OPENMESH_ENCRYPTION_TYPE", "tls"),
		TLSCertPath:       envStr("OPENMESH_TLS_CERT", ""),
		TLSKeyPath:        envStr("OPENMESH_TLS_KEY", ""),
		TLSAuthorityDir:   envStr("OPENMESH_TLS_AUTHORITY_DIR", "tls"),
		NaclKeyHex:        envStr("OPENMESH_NACL_KEY", ""),

		MaxConnections: envInt("OPENMESH_MAX_CONNECTIONS", DefaultMaxConnections),

		DiscoveryEnabled: envBool("OPENMESH_DISCOVERY_ENABLED", true),

		IdentityTTLHours: envInt("OPENMESH_IDENTITY_TTL_HOURS", DefaultIdentityTTLHours),

		ModManifestPath: envStr("OPENMESH_MOD_MANIFEST", ""),
		Mods:            envStringList("OPENMESH_MODS"),

		MetricsAddr:         envStr("OPENMESH_METRICS_ADDR", ""),
		MetricsTextfilePath: envStr("OPENMESH_METRICS_TEXTFILE", ""),

		heartbeatInterval: envDuration("OPENMESH_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		agentTimeout:      envDuration("OPENMESH_AGENT_TIMEOUT", DefaultAgentTimeout),
		connectionTimeout: envDuration("OPENMESH_CONNECTION_TIMEOUT", DefaultConnectionTimeout),
		messageTimeout:    envDuration("OPENMESH_MESSAGE_TIMEOUT", DefaultMessageTimeout),
		discoveryInterval: envDuration("OPENMESH_DISCOVERY_INTERVAL", DefaultDiscoveryInterval),
	}
	return c
}

// Validate checks the option combinations spec §6 requires of a network
// before it can be started, accumulating every violation rather than
// stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeCentralized, ModeDecentralized:
	default:
		errs = append(errs, fmt.Errorf("mode: unknown value %q", c.Mode))
	}

	switch c.Transport {
	case TransportWebsocket, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("transport: unknown value %q", c.Transport))
	}

	if c.Mode == ModeCentralized && !c.ServerMode && c.CoordinatorURL == "" {
		errs = append(errs, errors.New("centralized client mode requires coordinator_url"))
	}
	if c.Mode == ModeDecentralized && len(c.BootstrapNodes) == 0 && c.ServerMode {
		errs = append(errs, errors.New("decentralized node started with no bootstrap_nodes will form an isolated island"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: out of range: %d", c.Port))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max_connections: must be positive, got %d", c.MaxConnections))
	}
	if c.IdentityTTLHours <= 0 {
		errs = append(errs, fmt.Errorf("identity_ttl_hours: must be positive, got %d", c.IdentityTTLHours))
	}
	if c.EncryptionEnabled && c.EncryptionType == "" {
		errs = append(errs, errors.New("encryption_enabled requires encryption_type"))
	}

	return errors.Join(errs...)
}

// Values returns a flat, display-safe snapshot of the configuration.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		"name":               c.Name,
		"mode":               string(c.Mode),
		"transport":          string(c.Transport),
		"host":               c.Host,
		"port":               strconv.Itoa(c.Port),
		"server_mode":        strconv.FormatBool(c.ServerMode),
		"coordinator_url":    redact(c.CoordinatorURL),
		"node_id":            c.NodeID,
		"encryption_enabled": strconv.FormatBool(c.EncryptionEnabled),
		"max_connections":    strconv.Itoa(c.MaxConnections),
		"discovery_enabled":  strconv.FormatBool(c.DiscoveryEnabled),
		"identity_ttl_hours": strconv.Itoa(c.IdentityTTLHours),
		"heartbeat_interval": c.heartbeatInterval.String(),
		"agent_timeout":      c.agentTimeout.String(),
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "(set)"
}

// HeartbeatInterval returns the interval between transport keepalive pings.
func (c *Config) HeartbeatInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.heartbeatInterval
}

// SetHeartbeatInterval updates the heartbeat interval.
func (c *Config) SetHeartbeatInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatInterval = d
}

// AgentTimeout returns how long a silent connection is tolerated before
// the transport evicts it.
func (c *Config) AgentTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentTimeout
}

// SetAgentTimeout updates the agent timeout.
func (c *Config) SetAgentTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentTimeout = d
}

// ConnectionTimeout returns the dial/handshake deadline.
func (c *Config) ConnectionTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionTimeout
}

// SetConnectionTimeout updates the connection timeout.
func (c *Config) SetConnectionTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionTimeout = d
}

// MessageTimeout returns how long a system request waits for its response
// before the pending correlation entry is discarded.
func (c *Config) MessageTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageTimeout
}

// SetMessageTimeout updates the message timeout.
func (c *Config) SetMessageTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageTimeout = d
}

// DiscoveryInterval returns how often a decentralized node re-announces
// itself to its bootstrap peers.
func (c *Config) DiscoveryInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discoveryInterval
}

// SetDiscoveryInterval updates the discovery interval.
func (c *Config) SetDiscoveryInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveryInterval = d
}

// IdentityTTL returns the identity certificate lifetime as a Duration.
func (c *Config) IdentityTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.IdentityTTLHours) * time.Hour
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envStringList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
