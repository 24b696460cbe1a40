package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

var ErrUnknownCredential = errors.New("unknown credential")

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Config struct {
	Log         LogConfig                   `mapstructure:"log"`
	Pipeline    PipelineConfig              `mapstructure:"pipeline"`
	Client      ClientConfig                `mapstructure:"client"`
	Credentials map[string]CredentialConfig `mapstructure:"credentials"`
	Storage     StorageConfig               `mapstructure:"storage"`
	Cache       CacheConfig                 `mapstructure:"cache"`
	Artifacts   ArtifactConfig              `mapstructure:"artifacts"`
	Telemetry   TelemetryConfig             `mapstructure:"telemetry"`
	HTTP        HTTPConfig                  `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PipelineConfig carries the segmentation and normalization knobs.
type PipelineConfig struct {
	OverlapChars               int  `mapstructure:"overlap_chars"`
	MinChunkChars              int  `mapstructure:"min_chunk_chars"`
	ReportExcerptChars         int  `mapstructure:"report_excerpt_chars"`
	SyntheticMapping           bool `mapstructure:"synthetic_mapping"`
	MinFindingsBeforeNarrative int  `mapstructure:"min_findings_before_narrative"`
}

type ClientConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	TopP        float64       `mapstructure:"top_p"`
}

type CredentialConfig struct {
	Provider          string  `mapstructure:"provider"`
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	APIKeyEnv         string  `mapstructure:"api_key_env"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// Key resolves the literal key first, then the named environment variable.
func (c CredentialConfig) Key() string {
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return k
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

type StorageConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
}

type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type ArtifactConfig struct {
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	Bucket        string `mapstructure:"bucket"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

type HTTPConfig struct {
	Addr               string   `mapstructure:"addr"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// APIToken, when set, is required as a bearer token on /v1 routes.
	APIToken string `mapstructure:"api_token"`
}

// Credential looks up a named credential profile.
func (c *Config) Credential(name string) (CredentialConfig, error) {
	cred, ok := c.Credentials[strings.ToLower(name)]
	if !ok {
		return CredentialConfig{}, fmt.Errorf("%w: %s", ErrUnknownCredential, name)
	}
	return cred, nil
}

// CredentialNames returns configured credential names in sorted order.
func (c *Config) CredentialNames() []string {
	names := make([]string, 0, len(c.Credentials))
	for n := range c.Credentials {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
