// Package config handles configuration loading for sentinel-core.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-core/internal/schema"
)

// Config holds the complete application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Ingest       IngestConfig       `yaml:"ingest"`
	Bus          BusConfig          `yaml:"bus"`
	Features     FeaturesConfig     `yaml:"features"`
	Ensemble     EnsembleConfig     `yaml:"ensemble"`
	Agent        AgentConfig        `yaml:"agent"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
	Audit        AuditConfig        `yaml:"audit"`
	Alerting     AlertingConfig     `yaml:"alerting"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int             `yaml:"http_port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	DetectBudget time.Duration   `yaml:"detect_budget"` // budget for the synchronous detect surface
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds per-client request rates on the API.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	ExemptPaths       []string      `yaml:"exempt_paths"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// IngestConfig holds collector listener and normalizer settings.
type IngestConfig struct {
	NetFlow   NetFlowConfig   `yaml:"netflow"`
	PcapFeed  JSONFeedConfig  `yaml:"pcap_feed"`
	HostEvent HostEventConfig `yaml:"host_event"`

	DedupCacheSize int           `yaml:"dedup_cache_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	PublishRetries int           `yaml:"publish_retries"`
	Workers        int           `yaml:"workers"`
}

// NetFlowConfig holds the UDP listener settings for NetFlow v5/v9.
type NetFlowConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	BufferSize     int    `yaml:"buffer_size"`
	MaxMessageSize int    `yaml:"max_message_size"`
}

// JSONFeedConfig holds the TCP listener settings for JSON line feeds.
type JSONFeedConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Address       string        `yaml:"address"`
	MaxLineLength int           `yaml:"max_line_length"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// HostEventConfig holds the DTLS listener settings for host events.
type HostEventConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"` // plain UDP fallback, testing only
}

// BusKind selects the event bus implementation.
type BusKind string

const (
	BusInProc BusKind = "inproc"
	BusKafka  BusKind = "kafka"
	BusNATS   BusKind = "nats"
)

// BusConfig holds event bus settings.
type BusConfig struct {
	Kind       BusKind       `yaml:"kind"`
	Partitions int           `yaml:"partitions"`
	BufferSize int           `yaml:"buffer_size"` // per-partition, inproc only
	Kafka      KafkaConfig   `yaml:"kafka"`
	NATS       NATSConfig    `yaml:"nats"`
	CommitWait time.Duration `yaml:"commit_wait"`
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers          []string      `yaml:"brokers"`
	ConsumerGroup    string        `yaml:"consumer_group"`
	TopicPrefix      string        `yaml:"topic_prefix"`
	CompressionType  string        `yaml:"compression_type"` // none, gzip, snappy, lz4, zstd
	SecurityProtocol string        `yaml:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism,omitempty"`
	SASLUsername     string        `yaml:"sasl_username,omitempty"`
	SASLPassword     string        `yaml:"sasl_password,omitempty"`
	TLSEnabled       bool          `yaml:"tls_enabled"`
	TLSCAFile        string        `yaml:"tls_ca_file,omitempty"`
	TLSCertFile      string        `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile       string        `yaml:"tls_key_file,omitempty"`
	BatchSize        int           `yaml:"batch_size"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	CommitInterval   time.Duration `yaml:"commit_interval"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// WindowSpec configures one window kind maintained by the feature
// engine.
type WindowSpec struct {
	Kind  schema.WindowKind `yaml:"kind"`
	Span  time.Duration     `yaml:"span"`
	Slide time.Duration     `yaml:"slide,omitempty"` // sliding only
	Gap   time.Duration     `yaml:"gap,omitempty"`   // session only
}

// FeaturesConfig holds feature engine settings.
type FeaturesConfig struct {
	Windows         []WindowSpec  `yaml:"windows"`
	KeyBy           []string      `yaml:"key_by"` // projections: src_addr, src_addr+dst_port, src_addr+dst_addr
	AllowedLateness time.Duration `yaml:"allowed_lateness"`
	PerKeyMemoryCap int           `yaml:"per_key_memory_cap"` // max tracked keys
	Shards          int           `yaml:"shards"`
}

// EnsembleConfig holds detection ensemble settings.
type EnsembleConfig struct {
	ArtifactDir string             `yaml:"artifact_dir"`
	Weights     map[string]float64 `yaml:"weights,omitempty"`   // overrides artifact metadata
	Threshold   float64            `yaml:"threshold,omitempty"` // overrides artifact metadata
	Workers     int                `yaml:"workers"`
}

// AgentConfig holds policy agent settings.
type AgentConfig struct {
	ArtifactPath string      `yaml:"artifact_path"`
	Reputation   RedisConfig `yaml:"reputation"`
	HighScore    float64     `yaml:"high_score"` // fallback table thresholds
	MediumScore  float64     `yaml:"medium_score"`
	LowScore     float64     `yaml:"low_score"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// RetryConfig holds bounded exponential backoff settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_ms"`
	MaxDelay    time.Duration `yaml:"max_ms"`
}

// OrchestratorConfig holds policy orchestrator settings.
type OrchestratorConfig struct {
	BasePriority    map[schema.Action]int           `yaml:"action_base_priority"`
	MaxScope        map[schema.Action]int           `yaml:"max_scope"` // minimum prefix length per action
	TTL             map[schema.Action]time.Duration `yaml:"ttl"`
	ProtectedAssets []string                        `yaml:"protected_assets"` // CIDRs never targeted
	PinnedAllows    []string                        `yaml:"pinned_allows"`    // CIDRs that must stay reachable
	AdapterRetry    RetryConfig                     `yaml:"adapter_retry"`
	ExpiryInterval  time.Duration                   `yaml:"expiry_interval"`
	Workers         int                             `yaml:"workers"`
}

// AdaptersConfig holds vendor adapter settings.
type AdaptersConfig struct {
	Enabled          []string       `yaml:"enabled"` // nftables, iptables, aws_nacl
	Nftables         NftablesConfig `yaml:"nftables"`
	Iptables         IptablesConfig `yaml:"iptables"`
	AWS              AWSConfig      `yaml:"aws_nacl"`
	HealthInterval   time.Duration  `yaml:"health_interval"`
	CallTimeout      time.Duration  `yaml:"call_timeout"`
}

// NftablesConfig holds nftables adapter settings.
type NftablesConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Table      string `yaml:"table"`
	Chain      string `yaml:"chain"`
}

// IptablesConfig holds iptables adapter settings.
type IptablesConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Chain      string `yaml:"chain"`
}

// AWSConfig holds the AWS network ACL adapter settings. Network ACLs
// are the one VPC surface that can express deny, which security groups
// cannot.
type AWSConfig struct {
	Region       string `yaml:"region"`
	NetworkACLID string `yaml:"network_acl_id"`
	// RuleNumberBase offsets ACL entry numbers so managed entries
	// never collide with hand-written ones.
	RuleNumberBase int `yaml:"rule_number_base"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	ClickHouse    ClickHouseConfig `yaml:"clickhouse"`
	Retention     time.Duration    `yaml:"retention"`
	PurgeInterval time.Duration    `yaml:"purge_interval"`
	PurgeBatch    int              `yaml:"purge_batch"`
	Archive       S3ArchiveConfig  `yaml:"archive"`
	BatchSize     int              `yaml:"batch_size"`
	FlushInterval time.Duration    `yaml:"flush_interval"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Hosts        []string      `yaml:"hosts"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// S3ArchiveConfig holds archive settings for purged audit batches.
type S3ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	DedupKey    []string           `yaml:"alert_dedup_key"` // fields: src_addr, action, bucket
	DedupWindow time.Duration      `yaml:"alert_dedup_window"`
	MinSeverity string             `yaml:"min_severity"`
	Webhooks    []string           `yaml:"webhooks"`
	Redis       RedisConfig        `yaml:"redis"` // cross-instance dedup, optional
	SinkTimeout time.Duration      `yaml:"sink_timeout"`
}

// DefaultConfig returns the complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			DetectBudget: 2 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerWindow: 600,
				Window:            time.Minute,
				ExemptPaths:       []string{"/healthz", "/metrics"},
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Ingest: IngestConfig{
			NetFlow: NetFlowConfig{
				Enabled:        true,
				Address:        ":2055",
				BufferSize:     1 << 20,
				MaxMessageSize: 65535,
			},
			PcapFeed: JSONFeedConfig{
				Enabled:       true,
				Address:       ":5514",
				MaxLineLength: 1 << 16,
				IdleTimeout:   5 * time.Minute,
			},
			HostEvent: HostEventConfig{
				Enabled:           false,
				Address:           ":6514",
				MaxMessageSize:    1 << 16,
				ConnectionTimeout: 30 * time.Second,
			},
			DedupCacheSize: 100000,
			PublishTimeout: 5 * time.Second,
			PublishRetries: 3,
			Workers:        4,
		},
		Bus: BusConfig{
			Kind:       BusInProc,
			Partitions: 8,
			BufferSize: 10000,
			Kafka: KafkaConfig{
				Brokers:          []string{"localhost:9092"},
				ConsumerGroup:    "sentinel-core",
				TopicPrefix:      "sentinel",
				CompressionType:  "lz4",
				SecurityProtocol: "PLAINTEXT",
				BatchSize:        100,
				BatchTimeout:     10 * time.Millisecond,
				DialTimeout:      10 * time.Second,
				CommitInterval:   time.Second,
			},
			NATS: NATSConfig{
				URL:           "nats://localhost:4222",
				SubjectPrefix: "sentinel",
				MaxReconnects: 10,
				ReconnectWait: 2 * time.Second,
			},
			CommitWait: 5 * time.Second,
		},
		Features: FeaturesConfig{
			Windows: []WindowSpec{
				{Kind: schema.WindowTumbling, Span: 30 * time.Second},
				{Kind: schema.WindowSliding, Span: 5 * time.Minute, Slide: 30 * time.Second},
				{Kind: schema.WindowSession, Gap: 2 * time.Minute},
			},
			KeyBy:           []string{"src_addr", "src_addr+dst_port"},
			AllowedLateness: 30 * time.Second,
			PerKeyMemoryCap: 50000,
			Shards:          16,
		},
		Ensemble: EnsembleConfig{
			ArtifactDir: "artifacts",
			Workers:     4,
		},
		Agent: AgentConfig{
			ArtifactPath: "artifacts/policy.json",
			HighScore:    0.8,
			MediumScore:  0.6,
			LowScore:     0.4,
		},
		Orchestrator: OrchestratorConfig{
			BasePriority: map[schema.Action]int{
				schema.ActionQuarantineLong:  10,
				schema.ActionQuarantineShort: 20,
				schema.ActionDeny:            30,
				schema.ActionRateLimitHigh:   40,
				schema.ActionRateLimitMed:    50,
				schema.ActionRateLimitLow:    60,
				schema.ActionMonitor:         100,
				schema.ActionAllow:           200,
			},
			MaxScope: map[schema.Action]int{
				schema.ActionDeny:            24,
				schema.ActionQuarantineShort: 32,
				schema.ActionQuarantineLong:  32,
				schema.ActionRateLimitLow:    16,
				schema.ActionRateLimitMed:    16,
				schema.ActionRateLimitHigh:   16,
			},
			TTL: map[schema.Action]time.Duration{
				schema.ActionDeny:            time.Hour,
				schema.ActionRateLimitLow:    30 * time.Minute,
				schema.ActionRateLimitMed:    time.Hour,
				schema.ActionRateLimitHigh:   time.Hour,
				schema.ActionQuarantineShort: time.Hour,
				schema.ActionQuarantineLong:  24 * time.Hour,
				schema.ActionMonitor:         15 * time.Minute,
			},
			AdapterRetry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
			ExpiryInterval: 10 * time.Second,
			Workers:        2,
		},
		Adapters: AdaptersConfig{
			Enabled: []string{"nftables"},
			Nftables: NftablesConfig{
				BinaryPath: "/usr/sbin/nft",
				Table:      "sentinel",
				Chain:      "sentinel-input",
			},
			Iptables: IptablesConfig{
				BinaryPath: "/sbin/iptables",
				Chain:      "SENTINEL",
			},
			HealthInterval: 30 * time.Second,
			CallTimeout:    10 * time.Second,
		},
		Audit: AuditConfig{
			ClickHouse: ClickHouseConfig{
				Hosts:        []string{"localhost:9000"},
				Database:     "sentinel",
				Username:     "default",
				DialTimeout:  10 * time.Second,
				MaxOpenConns: 5,
			},
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
			PurgeBatch:    10000,
			BatchSize:     500,
			FlushInterval: 2 * time.Second,
		},
		Alerting: AlertingConfig{
			DedupKey:    []string{"src_addr", "action"},
			DedupWindow: 5 * time.Minute,
			MinSeverity: "low",
			SinkTimeout: 5 * time.Second,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}
	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Bus.Kind = BusKafka
		c.Bus.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Bus.Kind = BusNATS
		c.Bus.NATS.URL = url
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Audit.ClickHouse.Enabled = true
		c.Audit.ClickHouse.Hosts = []string{host}
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Audit.ClickHouse.Password = pass
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Agent.Reputation.Enabled = true
		c.Agent.Reputation.Address = addr
		c.Alerting.Redis.Enabled = true
		c.Alerting.Redis.Address = addr
	}
	if dir := os.Getenv("SENTINEL_ARTIFACT_DIR"); dir != "" {
		c.Ensemble.ArtifactDir = dir
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if len(c.Features.Windows) == 0 {
		return fmt.Errorf("at least one window spec is required")
	}
	for i, w := range c.Features.Windows {
		if !w.Kind.IsValid() {
			return fmt.Errorf("window %d: unknown kind %q", i, w.Kind)
		}
		switch w.Kind {
		case schema.WindowTumbling:
			if w.Span <= 0 {
				return fmt.Errorf("window %d: tumbling span must be positive", i)
			}
		case schema.WindowSliding:
			if w.Span <= 0 || w.Slide <= 0 {
				return fmt.Errorf("window %d: sliding span and slide must be positive", i)
			}
			if w.Slide > w.Span {
				return fmt.Errorf("window %d: slide exceeds span", i)
			}
		case schema.WindowSession:
			if w.Gap <= 0 {
				return fmt.Errorf("window %d: session gap must be positive", i)
			}
		}
	}
	if c.Features.Shards < 1 {
		return fmt.Errorf("features.shards must be at least 1")
	}
	if c.Features.PerKeyMemoryCap < 1 {
		return fmt.Errorf("features.per_key_memory_cap must be at least 1")
	}
	switch c.Bus.Kind {
	case BusInProc, BusKafka, BusNATS:
	default:
		return fmt.Errorf("unknown bus kind: %q", c.Bus.Kind)
	}
	if c.Bus.Partitions < 1 {
		return fmt.Errorf("bus.partitions must be at least 1")
	}
	if c.Orchestrator.AdapterRetry.MaxAttempts < 1 {
		return fmt.Errorf("adapter_retry.max_attempts must be at least 1")
	}
	for action, prefix := range c.Orchestrator.MaxScope {
		if prefix < 0 || prefix > 128 {
			return fmt.Errorf("max_scope[%s]: invalid prefix length %d", action, prefix)
		}
	}
	for _, cidr := range c.Orchestrator.ProtectedAssets {
		if !strings.Contains(cidr, "/") {
			return fmt.Errorf("protected_assets: %q is not CIDR notation", cidr)
		}
	}
	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit.retention must be positive")
	}
	return nil
}

// splitAndTrim splits s on sep and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
