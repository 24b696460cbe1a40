package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "DISTILL"

// Load reads config.yaml (from path, or ./configs and . when path is empty),
// a .env file if one exists, and DISTILL_* environment overrides.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	expandEnvVars(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// loadEnvFile loads the first .env found. A file that exists but cannot be
// parsed is an error.
func loadEnvFile() error {
	for _, p := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
		return nil
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("pipeline.overlap_chars", 300)
	v.SetDefault("pipeline.min_chunk_chars", 100)
	v.SetDefault("pipeline.report_excerpt_chars", 2000)
	v.SetDefault("pipeline.synthetic_mapping", true)
	v.SetDefault("pipeline.min_findings_before_narrative", 2)
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.retry_delay", 5*time.Second)
	v.SetDefault("client.timeout", 60*time.Second)
	v.SetDefault("client.max_tokens", 4000)
	v.SetDefault("client.temperature", 0.1)
	v.SetDefault("client.top_p", 0.9)
	v.SetDefault("storage.ledger_path", "distill.db")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("telemetry.service_name", "diagdistill")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.rate_limit_per_minute", 60)
}

// expandEnvVars resolves ${VAR} references in string settings. It runs on
// the decoded struct so nested map entries keep their sibling fields.
func expandEnvVars(cfg *Config) {
	for _, p := range []*string{
		&cfg.Storage.LedgerPath,
		&cfg.Cache.RedisAddr,
		&cfg.Artifacts.MinioEndpoint,
		&cfg.Artifacts.Bucket,
		&cfg.Artifacts.AccessKey,
		&cfg.Artifacts.SecretKey,
		&cfg.Telemetry.OTLPEndpoint,
		&cfg.HTTP.Addr,
		&cfg.HTTP.APIToken,
	} {
		*p = expand(*p)
	}
	for name, c := range cfg.Credentials {
		c.Model = expand(c.Model)
		c.BaseURL = expand(c.BaseURL)
		c.APIKey = expand(c.APIKey)
		c.APIKeyEnv = expand(c.APIKeyEnv)
		cfg.Credentials[name] = c
	}
}

func expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.ExpandEnv(s)
}

// applyDefaults fills zero values viper defaults cannot reach, such as fields
// inside credential map entries.
func applyDefaults(cfg *Config) {
	normalized := make(map[string]CredentialConfig, len(cfg.Credentials))
	for name, c := range cfg.Credentials {
		if c.Provider == "" {
			c.Provider = ProviderOpenAI
		}
		c.Provider = strings.ToLower(c.Provider)
		if c.Provider == ProviderOpenAI && c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		normalized[strings.ToLower(name)] = c
	}
	cfg.Credentials = normalized
	if cfg.Pipeline.OverlapChars < 0 {
		cfg.Pipeline.OverlapChars = 0
	}
}

func validateConfig(cfg *Config) error {
	var errs []error
	if cfg.Pipeline.MinChunkChars < 0 {
		errs = append(errs, errors.New("pipeline.min_chunk_chars must be >= 0"))
	}
	if cfg.Pipeline.ReportExcerptChars <= 0 {
		errs = append(errs, errors.New("pipeline.report_excerpt_chars must be > 0"))
	}
	if cfg.Client.MaxRetries < 1 {
		errs = append(errs, errors.New("client.max_retries must be >= 1"))
	}
	if cfg.Client.Timeout <= 0 {
		errs = append(errs, errors.New("client.timeout must be > 0"))
	}
	for _, name := range cfg.CredentialNames() {
		c := cfg.Credentials[name]
		switch c.Provider {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			errs = append(errs, fmt.Errorf("credential %s: unsupported provider %q", name, c.Provider))
		}
		if strings.TrimSpace(c.Model) == "" {
			errs = append(errs, fmt.Errorf("credential %s: model is required", name))
		}
		if c.APIKey == "" && c.APIKeyEnv == "" {
			errs = append(errs, fmt.Errorf("credential %s: api_key or api_key_env is required", name))
		}
		if c.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("credential %s: requests_per_second must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}
