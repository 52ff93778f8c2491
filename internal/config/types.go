package config

import "time"

// Config is the root of the configuration tree, unmarshalled from the
// single YAML/JSON file named on the command line.
type Config struct {
	Admin   AdminConfig    `yaml:"admin" mapstructure:"admin"`
	Routers []RouterConfig `yaml:"routers" mapstructure:"routers"`
	Logging LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// AdminConfig configures the Admin HTTP listener.
type AdminConfig struct {
	IP                  string `yaml:"ip" mapstructure:"ip"`
	Port                uint16 `yaml:"port" mapstructure:"port"`
	MetricsIntervalSecs uint32 `yaml:"metricsIntervalSecs" mapstructure:"metricsIntervalSecs"`
	TrustedCIDRs        []string `yaml:"trustedCidrs" mapstructure:"trustedCidrs"`
}

// RouterConfig describes one named router: where it discovers endpoints,
// and which inbound servers dispatch into it.
type RouterConfig struct {
	Label       string            `yaml:"label" mapstructure:"label"`
	Interpreter InterpreterConfig `yaml:"interpreter" mapstructure:"interpreter"`
	Servers     []ServerConfig    `yaml:"servers" mapstructure:"servers"`
	Client      ClientConfig      `yaml:"client" mapstructure:"client"`
	Balancer    BalancerConfig    `yaml:"balancer" mapstructure:"balancer"`
	Binder      BinderConfig      `yaml:"binder" mapstructure:"binder"`
}

// BalancerConfig bounds admission and retry for one router's Balancer.
type BalancerConfig struct {
	MaxConnections uint32 `yaml:"maxConnections" mapstructure:"maxConnections"`
	RetryBudget    uint32 `yaml:"retryBudget" mapstructure:"retryBudget"`
}

// MaxConnectionsOrDefault returns the configured admission cap, or a
// generous default when unset (0 means unconfigured, not "no limit").
func (b BalancerConfig) MaxConnectionsOrDefault() uint32 {
	if b.MaxConnections == 0 {
		return 10000
	}
	return b.MaxConnections
}

// RetryBudgetOrDefault returns the number of selection retries allowed
// after a retryable connect failure.
func (b BalancerConfig) RetryBudgetOrDefault() uint32 {
	if b.RetryBudget == 0 {
		return 1
	}
	return b.RetryBudget
}

// BinderConfig configures the name→Balancer cache's idle eviction and
// negative-result caching.
type BinderConfig struct {
	CacheIdleSecs uint32 `yaml:"cacheIdleSecs" mapstructure:"cacheIdleSecs"`
	NegTTLSecs    uint32 `yaml:"negTtlSecs" mapstructure:"negTtlSecs"`
}

func (b BinderConfig) CacheIdle() time.Duration {
	if b.CacheIdleSecs == 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.CacheIdleSecs) * time.Second
}

func (b BinderConfig) NegTTL() time.Duration {
	if b.NegTTLSecs == 0 {
		return 30 * time.Second
	}
	return time.Duration(b.NegTTLSecs) * time.Second
}

// InterpreterConfig points a Resolver at a discovery oracle.
type InterpreterConfig struct {
	Kind       string `yaml:"kind" mapstructure:"kind"`
	BaseURL    string `yaml:"baseUrl" mapstructure:"baseUrl"`
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
	PeriodSecs uint32 `yaml:"periodSecs" mapstructure:"periodSecs"`
}

// ServerConfig describes one Acceptor: the address it binds, the
// logical destination it routes to, and (optionally) its TLS identity.
type ServerConfig struct {
	IP               string           `yaml:"ip" mapstructure:"ip"`
	Port             uint16           `yaml:"port" mapstructure:"port"`
	DstName          string           `yaml:"dstName" mapstructure:"dstName"`
	ConnectTimeoutMs uint32           `yaml:"connectTimeoutMs" mapstructure:"connectTimeoutMs"`
	StreamDeadlineMs uint32           `yaml:"streamDeadlineMs" mapstructure:"streamDeadlineMs"`
	IdleTimeoutMs    uint32           `yaml:"idleTimeoutMs" mapstructure:"idleTimeoutMs"`
	MaxInFlight      uint32           `yaml:"maxInFlight" mapstructure:"maxInFlight"`
	TLS              *TLSServerConfig `yaml:"tls" mapstructure:"tls"`
}

// MaxInFlightOrDefault returns the configured cap on connections this
// server is concurrently dispatching to the Router, or a generous
// default when unset. Beyond this cap the accept loop stops polling the
// listener, letting the OS accept queue absorb the burst instead of
// spawning unbounded handshake/dispatch goroutines.
func (s ServerConfig) MaxInFlightOrDefault() uint32 {
	if s.MaxInFlight == 0 {
		return 10000
	}
	return s.MaxInFlight
}

// StreamDeadline returns the absolute-lifetime cap for connections
// accepted on this server, or zero (no cap) when unconfigured.
func (s ServerConfig) StreamDeadline() time.Duration {
	return time.Duration(s.StreamDeadlineMs) * time.Millisecond
}

// IdleTimeout returns the read-idle cap for connections accepted on
// this server, or zero (no cap) when unconfigured.
func (s ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMs) * time.Millisecond
}

// TLSServerConfig configures an Acceptor's inbound TLS identities,
// keyed by SNI for multi-tenant listeners.
type TLSServerConfig struct {
	DefaultIdentity TLSIdentity            `yaml:"defaultIdentity" mapstructure:"defaultIdentity"`
	Identities      map[string]TLSIdentity `yaml:"identities" mapstructure:"identities"`
	ALPNProtocols   []string               `yaml:"alpnProtocols" mapstructure:"alpnProtocols"`
}

// TLSIdentity names the private key and certificate chain file paths
// for one server identity. Loading the files themselves is a thin
// convenience call at startup, not a feature of this package.
type TLSIdentity struct {
	PrivateKey string   `yaml:"privateKey" mapstructure:"privateKey"`
	Certs      []string `yaml:"certs" mapstructure:"certs"`
}

// ClientConfig configures outbound (Connector) behaviour per destination
// name prefix.
type ClientConfig struct {
	Kind    string               `yaml:"kind" mapstructure:"kind"`
	Configs []ClientPrefixConfig `yaml:"configs" mapstructure:"configs"`
}

// ClientPrefixConfig is one `/svc/...` prefix's outbound dial settings.
type ClientPrefixConfig struct {
	Prefix           string        `yaml:"prefix" mapstructure:"prefix"`
	ConnectTimeoutMs uint32        `yaml:"connectTimeoutMs" mapstructure:"connectTimeoutMs"`
	TLS              *TLSClientConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSClientConfig configures the Connector's outbound TLS verification
// and optional mTLS client identity.
type TLSClientConfig struct {
	DNSName         string       `yaml:"dnsName" mapstructure:"dnsName"`
	TrustCerts      []string     `yaml:"trustCerts" mapstructure:"trustCerts"`
	ClientIdentity  *TLSIdentity `yaml:"clientIdentity" mapstructure:"clientIdentity"`
}

// LoggingConfig configures the process-wide slog logger.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	LogDir     string `yaml:"logDir" mapstructure:"logDir"`
	FileOutput bool   `yaml:"fileOutput" mapstructure:"fileOutput"`
	PrettyLogs bool   `yaml:"prettyLogs" mapstructure:"prettyLogs"`
	MaxSizeMB  int    `yaml:"maxSizeMb" mapstructure:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups" mapstructure:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" mapstructure:"maxAgeDays"`
}

// ConnectTimeout returns the server's connect timeout, or a default.
func (s ServerConfig) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutMs == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ConnectTimeoutMs) * time.Millisecond
}

// ConnectTimeout returns the prefix's connect timeout, or a default.
func (c ClientPrefixConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMs == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}
