package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	cfg := Config{PrimaryModel: "m"}
	cfg.Normalize()
	require.Equal(t, ProviderAnthropic, cfg.Provider)
	require.Equal(t, DefaultIterations, cfg.MaxIterations)
	require.Equal(t, DefaultSubCalls, cfg.MaxSubCalls)
	require.Equal(t, "m", cfg.SubModel)
}

func TestNormalizeClampsBounds(t *testing.T) {
	cfg := Config{MaxIterations: 500, MaxSubCalls: -3}
	cfg.Normalize()
	require.Equal(t, MaxIterationsCap, cfg.MaxIterations)
	require.Equal(t, MinSubCalls, cfg.MaxSubCalls)
}

func TestValidate(t *testing.T) {
	cfg := Config{Provider: ProviderAnthropic, APIKey: "k", PrimaryModel: "m"}
	require.NoError(t, cfg.Validate())

	cfg.APIKey = " "
	require.Error(t, cfg.Validate())

	cfg.APIKey = "k"
	cfg.Provider = "nope"
	require.Error(t, cfg.Validate())

	cfg.Provider = ProviderOpenAI
	cfg.PrimaryModel = ""
	require.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RLM_PROVIDER", string(ProviderOpenAI))
	t.Setenv("RLM_PRIMARY_MODEL", "env-model")
	t.Setenv("RLM_MAX_ITERATIONS", "7")

	cfg := Default()
	cfg.applyEnv()
	require.Equal(t, ProviderOpenAI, cfg.Provider)
	require.Equal(t, "env-model", cfg.PrimaryModel)
	require.Equal(t, 7, cfg.MaxIterations)
}

func TestAPIKeyEncryptionRoundTrip(t *testing.T) {
	dir := t.TempDir()

	blob, err := encryptAPIKey(dir, "sk-secret-value")
	require.NoError(t, err)
	require.NotContains(t, blob, "secret")

	plain, err := decryptAPIKey(dir, blob)
	require.NoError(t, err)
	require.Equal(t, "sk-secret-value", plain)

	// A different machine secret cannot unseal the blob.
	_, err = decryptAPIKey(t.TempDir(), blob)
	require.Error(t, err)
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Setenv("RLM_CONFIG_DIR", t.TempDir())

	cfg := Default()
	cfg.APIKey = "sk-roundtrip"
	cfg.PrimaryModel = "model-x"
	require.NoError(t, Save(cfg))

	loaded, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sk-roundtrip", loaded.APIKey)
	require.Equal(t, "model-x", loaded.PrimaryModel)
}
