package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
credentials:
  API_13:
    model: deepseek-chat
    base_url: https://api.deepseek.com/v1
    api_key_env: DEEPSEEK_KEY
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.Pipeline.OverlapChars)
	assert.Equal(t, 100, cfg.Pipeline.MinChunkChars)
	assert.Equal(t, 2000, cfg.Pipeline.ReportExcerptChars)
	assert.True(t, cfg.Pipeline.SyntheticMapping)
	assert.Equal(t, 3, cfg.Client.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Client.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Client.Timeout)
	assert.Equal(t, 4000, cfg.Client.MaxTokens)
	assert.InDelta(t, 0.1, cfg.Client.Temperature, 1e-9)

	cred, err := cfg.Credential("api_13")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cred.Provider)
	assert.Equal(t, "deepseek-chat", cred.Model)
	assert.Equal(t, []string{"api_13"}, cfg.CredentialNames())
}

func TestLoadOverridesAndExpansion(t *testing.T) {
	t.Setenv("TEST_DISTILL_KEY", "sk-test")
	t.Setenv("TEST_DISTILL_GATEWAY", "https://gateway.internal/v1")
	t.Setenv("TEST_DISTILL_MINIO_SECRET", "minio-secret")
	t.Setenv("DISTILL_PIPELINE_OVERLAP_CHARS", "150")
	p := writeConfig(t, `
pipeline:
  synthetic_mapping: false
client:
  retry_delay: 250ms
credentials:
  claude:
    provider: anthropic
    model: claude-sonnet-4-20250514
    api_key: ${TEST_DISTILL_KEY}
  gateway:
    model: deepseek-chat
    base_url: ${TEST_DISTILL_GATEWAY}
    api_key: literal-key
artifacts:
  secret_key: ${TEST_DISTILL_MINIO_SECRET}
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.Pipeline.OverlapChars)
	assert.False(t, cfg.Pipeline.SyntheticMapping)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.RetryDelay)

	cred, err := cfg.Credential("CLAUDE")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cred.Key())
	assert.Equal(t, ProviderAnthropic, cred.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", cred.Model)

	gw, err := cfg.Credential("gateway")
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.internal/v1", gw.BaseURL)
	assert.Equal(t, "deepseek-chat", gw.Model)
	assert.Equal(t, "minio-secret", cfg.Artifacts.SecretKey)
}

func TestLoadRejectsMalformedEnvFile(t *testing.T) {
	p := writeConfig(t, "log:\n  level: debug\n")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BAD-KEY=1\n"), 0o644))
	t.Chdir(dir)

	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load .env")
}

func TestLoadReadsEnvFile(t *testing.T) {
	p := writeConfig(t, `
credentials:
  ds:
    model: deepseek-chat
    api_key: ${TEST_DISTILL_DOTENV_KEY}
`)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TEST_DISTILL_DOTENV_KEY=from-dotenv\n"), 0o644))
	t.Chdir(dir)
	t.Cleanup(func() { os.Unsetenv("TEST_DISTILL_DOTENV_KEY") })

	cfg, err := Load(p)
	require.NoError(t, err)
	cred, err := cfg.Credential("ds")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cred.Key())
}

func TestLoadValidation(t *testing.T) {
	p := writeConfig(t, `
credentials:
  broken:
    provider: carrier-pigeon
`)
	_, err := Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider")
	assert.Contains(t, err.Error(), "model is required")
	assert.Contains(t, err.Error(), "api_key or api_key_env is required")
}

func TestUnknownCredential(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.Credential("missing")
	assert.True(t, errors.Is(err, ErrUnknownCredential))
}

func TestCredentialKeyFromEnv(t *testing.T) {
	t.Setenv("SOME_KEY", " abc ")
	c := CredentialConfig{APIKeyEnv: "SOME_KEY"}
	assert.Equal(t, "abc", c.Key())
	c.APIKey = "literal"
	assert.Equal(t, "literal", c.Key())
}
