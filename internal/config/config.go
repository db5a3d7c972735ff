package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Neo4j         Neo4jConfig         `yaml:"neo4j"`
	Auth          AuthConfig          `yaml:"auth"`
	Batch         BatchConfig         `yaml:"batch"`
	Decision      DecisionConfig      `yaml:"decision"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Cascade       CascadeConfig       `yaml:"cascade"`
	Advisory      AdvisoryConfig      `yaml:"advisory"`
	ThreatIntel   ThreatIntelConfig   `yaml:"threat_intel"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

// BatchConfig tunes the batch processing loop and SLA tracking.
type BatchConfig struct {
	CycleInterval time.Duration `yaml:"cycle_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Workers       int           `yaml:"workers"`
	SLATarget     time.Duration `yaml:"sla_target"`
	SLAWindow     time.Duration `yaml:"sla_window"`
	StuckTimeout  time.Duration `yaml:"stuck_timeout"`
	HistoryMaxAge time.Duration `yaml:"history_max_age"`
}

// DecisionConfig holds the unified decision thresholds.
type DecisionConfig struct {
	AutoApproveConfidence     float64 `yaml:"auto_approve_confidence"`
	AutoApproveComposite      float64 `yaml:"auto_approve_composite"`
	PendingConfidenceMin      float64 `yaml:"pending_confidence_min"`
	PendingComposite          float64 `yaml:"pending_composite"`
	SuppressConfidenceMax     float64 `yaml:"suppress_confidence_max"`
	SuppressCompositeMax      float64 `yaml:"suppress_composite_max"`
	KEVShortcutCriticalityBar float64 `yaml:"kev_shortcut_criticality_bar"`
}

type DedupConfig struct {
	ExactWindow     time.Duration `yaml:"exact_window"`
	MergeWindow     time.Duration `yaml:"merge_window"`
	TitleSimilarity float64       `yaml:"title_similarity"`
	EvidenceOverlap float64       `yaml:"evidence_overlap"`
}

type CascadeConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	ConfidenceDecay     float64 `yaml:"confidence_decay"`
	MaxDepth            int     `yaml:"max_depth"`
	ApprovalScoreBar    float64 `yaml:"approval_score_bar"`
}

type AdvisoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type ThreatIntelConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	Slack SlackNotifyConfig `yaml:"slack"`
	Email EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Batch.CycleInterval == 0 {
		c.Batch.CycleInterval = time.Minute
	}
	if c.Batch.BatchSize == 0 {
		c.Batch.BatchSize = 50
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 8
	}
	if c.Batch.SLATarget == 0 {
		c.Batch.SLATarget = 15 * time.Minute
	}
	if c.Batch.SLAWindow == 0 {
		c.Batch.SLAWindow = 24 * time.Hour
	}
	if c.Batch.StuckTimeout == 0 {
		c.Batch.StuckTimeout = 15 * time.Minute
	}
	if c.Batch.HistoryMaxAge == 0 {
		c.Batch.HistoryMaxAge = 90 * 24 * time.Hour
	}

	if c.Decision.AutoApproveConfidence == 0 {
		c.Decision.AutoApproveConfidence = 0.85
	}
	if c.Decision.AutoApproveComposite == 0 {
		c.Decision.AutoApproveComposite = 80
	}
	if c.Decision.PendingConfidenceMin == 0 {
		c.Decision.PendingConfidenceMin = 0.50
	}
	if c.Decision.PendingComposite == 0 {
		c.Decision.PendingComposite = 50
	}
	if c.Decision.SuppressConfidenceMax == 0 {
		c.Decision.SuppressConfidenceMax = 0.50
	}
	if c.Decision.SuppressCompositeMax == 0 {
		c.Decision.SuppressCompositeMax = 40
	}
	if c.Decision.KEVShortcutCriticalityBar == 0 {
		c.Decision.KEVShortcutCriticalityBar = 70
	}

	if c.Dedup.ExactWindow == 0 {
		c.Dedup.ExactWindow = 24 * time.Hour
	}
	if c.Dedup.MergeWindow == 0 {
		c.Dedup.MergeWindow = 48 * time.Hour
	}
	if c.Dedup.TitleSimilarity == 0 {
		c.Dedup.TitleSimilarity = 0.8
	}
	if c.Dedup.EvidenceOverlap == 0 {
		c.Dedup.EvidenceOverlap = 0.5
	}

	if c.Cascade.ConfidenceThreshold == 0 {
		c.Cascade.ConfidenceThreshold = 0.7
	}
	if c.Cascade.ConfidenceDecay == 0 {
		c.Cascade.ConfidenceDecay = 0.8
	}
	if c.Cascade.MaxDepth == 0 {
		c.Cascade.MaxDepth = 5
	}
	if c.Cascade.ApprovalScoreBar == 0 {
		c.Cascade.ApprovalScoreBar = 10
	}

	if c.Advisory.Model == "" {
		c.Advisory.Model = "gpt-4o-mini"
	}
	if c.Advisory.Timeout == 0 {
		c.Advisory.Timeout = 10 * time.Second
	}
	if c.Advisory.BreakerFailures == 0 {
		c.Advisory.BreakerFailures = 5
	}
	if c.Advisory.BreakerCooldown == 0 {
		c.Advisory.BreakerCooldown = 2 * time.Minute
	}

	if c.ThreatIntel.Timeout == 0 {
		c.ThreatIntel.Timeout = 5 * time.Second
	}

	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
