package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the application settings. It satisfies the go-core
// cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	DatabaseURL           string

	ProvidersFile   string
	DefaultProvider string
	ClaudeAPIKey    string
	ClaudeModel     string
	BedrockRegion   string
	BedrockModel    string
	OpenAIEndpoint  string
	OpenAIAPIKey    string
	OpenAIModel     string

	AlertFixturesDir string
	AlertServiceURL  string
	AlertServiceKey  string
	ScriptLanguage   string
	IntelEndpoint    string
	IntelAPIKey      string

	RedisAddr     string
	RedisPassword string
	LockTTL       time.Duration

	KafkaBrokers string
	KafkaTopic   string

	SnapshotBucket   string
	SnapshotPrefix   string
	SnapshotEndpoint string
	SnapshotRegion   string

	SlackWebhookURL  string
	APITokens        string
	EnableMCP        bool
	SubscriberBuffer int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")

	fs.StringVar(&c.ProvidersFile, "providers-file", "", "YAML file of provider bindings, watched for changes")
	fs.StringVar(&c.DefaultProvider, "default-provider", "claude", "provider type used by steps without a binding")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "default model for the claude provider")
	fs.StringVar(&c.BedrockRegion, "bedrock-region", "", "AWS region for the bedrock provider")
	fs.StringVar(&c.BedrockModel, "bedrock-model", "", "default model id for the bedrock provider")
	fs.StringVar(&c.OpenAIEndpoint, "openai-endpoint", "https://api.openai.com/v1", "base URL for the openai-compatible provider")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the openai-compatible provider")
	fs.StringVar(&c.OpenAIModel, "openai-model", "", "default model for the openai-compatible provider")

	fs.StringVar(&c.AlertFixturesDir, "alert-fixtures-dir", "", "directory of YAML alert fixtures")
	fs.StringVar(&c.AlertServiceURL, "alert-service-url", "", "base URL of the alert service")
	fs.StringVar(&c.AlertServiceKey, "alert-service-token", "", "bearer token for the alert service")
	fs.StringVar(&c.ScriptLanguage, "script-language", "bash", "language of generated remediation scripts (bash, powershell, python)")
	fs.StringVar(&c.IntelEndpoint, "intel-endpoint", "", "threat intelligence lookup endpoint (empty = intel step degrades)")
	fs.StringVar(&c.IntelAPIKey, "intel-api-key", "", "API key for the threat intelligence endpoint")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for per-alert locks (empty = in-process locks)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.DurationVar(&c.LockTTL, "lock-ttl", 10*time.Minute, "per-alert lock TTL")

	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for progress events (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "argus.progress", "Kafka topic for progress events")

	fs.StringVar(&c.SnapshotBucket, "snapshot-bucket", "", "S3 bucket for completed analysis snapshots (empty = disabled)")
	fs.StringVar(&c.SnapshotPrefix, "snapshot-prefix", "analyses/", "S3 key prefix for snapshots")
	fs.StringVar(&c.SnapshotEndpoint, "snapshot-endpoint", "", "S3-compatible endpoint override")
	fs.StringVar(&c.SnapshotRegion, "snapshot-region", "", "AWS region for the snapshot bucket")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma separated bearer tokens for the API (required)")
	fs.BoolVar(&c.EnableMCP, "enable-mcp", true, "serve the MCP endpoint at /mcp")
	fs.IntVar(&c.SubscriberBuffer, "subscriber-buffer", 64, "per-subscriber progress event buffer (1..4096)")
}

// Brokers splits KafkaBrokers into a trimmed list.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DefaultProvider == "" {
		errs = append(errs, errors.New("DEFAULT_PROVIDER is required"))
	}

	// alerts come from exactly one source
	switch {
	case c.AlertFixturesDir == "" && c.AlertServiceURL == "":
		errs = append(errs, errors.New("one of ALERT_FIXTURES_DIR or ALERT_SERVICE_URL is required"))
	case c.AlertFixturesDir != "" && c.AlertServiceURL != "":
		errs = append(errs, errors.New("ALERT_FIXTURES_DIR and ALERT_SERVICE_URL are mutually exclusive"))
	}

	for name, v := range map[string]string{
		"ALERT_SERVICE_URL": c.AlertServiceURL,
		"INTEL_ENDPOINT":    c.IntelEndpoint,
		"OPENAI_ENDPOINT":   c.OpenAIEndpoint,
		"SNAPSHOT_ENDPOINT": c.SnapshotEndpoint,
		"SLACK_WEBHOOK_URL": c.SlackWebhookURL,
	} {
		if v == "" {
			continue
		}
		if u, err := url.Parse(v); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid %s %q (must be an absolute URL)", name, v))
		}
	}

	if c.RedisAddr != "" && c.LockTTL < time.Second {
		errs = append(errs, fmt.Errorf("invalid LOCK_TTL %s (must be >= 1s)", c.LockTTL))
	}

	if len(c.Brokers()) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	// API tokens are required, the API is never served unauthenticated
	if strings.TrimSpace(strings.ReplaceAll(c.APITokens, ",", "")) == "" {
		errs = append(errs, errors.New("API_TOKENS is required"))
	}

	if c.SubscriberBuffer <= 0 || c.SubscriberBuffer > 4096 {
		errs = append(errs, fmt.Errorf("invalid SUBSCRIBER_BUFFER %d (must be 1..4096)", c.SubscriberBuffer))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
