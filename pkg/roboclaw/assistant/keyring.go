package assistant

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name all secrets are filed under.
const keyringService = "roboclaw"

// Keyring entry names, one per secret the assistant needs.
const (
	KeyLLM        = "llm_key"
	KeyTTS        = "tts_key"
	KeySTT        = "stt_key"
	KeySearch     = "search_key"
	KeyTaskSecret = "task_client_secret"
)

// StoreKeyring saves one secret in the OS keyring.
func StoreKeyring(name, value string) error {
	return keyring.Set(keyringService, name, value)
}

// GetKeyring reads one secret from the OS keyring, returning empty when the
// entry is missing or the keyring is unavailable.
func GetKeyring(name string) string {
	value, err := keyring.Get(keyringService, name)
	if err != nil {
		return ""
	}
	return value
}

// DeleteKeyring removes one secret from the OS keyring.
func DeleteKeyring(name string) error {
	return keyring.Delete(keyringService, name)
}

// KeyringAvailable probes whether an OS keyring backend works here by
// writing and deleting a throwaway entry.
func KeyringAvailable() bool {
	const testKey = "__roboclaw_test__"
	if err := keyring.Set(keyringService, testKey, "t"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills every secret field through the priority chain:
// OS keyring, then environment variable, then the value already in the
// config file. Missing optional secrets just disable their feature; only
// the LLM key is worth a warning because nothing works without it.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	cfg.LLM.APIKey = resolveSecret(KeyLLM, "ROBOCLAW_LLM_KEY", cfg.LLM.APIKey, logger)
	cfg.Speech.TTS.APIKey = resolveSecret(KeyTTS, "ROBOCLAW_TTS_KEY", cfg.Speech.TTS.APIKey, logger)
	cfg.Speech.STT.APIKey = resolveSecret(KeySTT, "ROBOCLAW_STT_KEY", cfg.Speech.STT.APIKey, logger)
	cfg.Search.APIKey = resolveSecret(KeySearch, "ROBOCLAW_SEARCH_KEY", cfg.Search.APIKey, logger)
	cfg.TaskService.ClientSecret = resolveSecret(KeyTaskSecret, "ROBOCLAW_TASK_CLIENT_SECRET", cfg.TaskService.ClientSecret, logger)
	if cfg.TaskService.ClientID == "" {
		cfg.TaskService.ClientID = os.Getenv("ROBOCLAW_TASK_CLIENT_ID")
	}

	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key found. Run 'roboclaw setup' or set ROBOCLAW_LLM_KEY")
	}
}

func resolveSecret(name, envVar, current string, logger *slog.Logger) string {
	if value := GetKeyring(name); value != "" {
		logger.Debug("secret loaded from OS keyring", "name", name)
		return value
	}
	if value := os.Getenv(envVar); value != "" {
		logger.Debug("secret loaded from environment", "var", envVar)
		return value
	}
	return current
}

// MigrateKeyToKeyring moves a secret into the OS keyring so it no longer
// has to live in the config file or environment.
func MigrateKeyToKeyring(name, value string, logger *slog.Logger) error {
	if err := StoreKeyring(name, value); err != nil {
		return err
	}
	logger.Info("secret migrated to OS keyring", "name", name)
	return nil
}
