package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashureev/relaybot/internal/domain"
)

// ConfigFileName is the credentials artifact read by the external program.
const ConfigFileName = "config.json"

type programConfig struct {
	APIID     int64  `json:"apiId"`
	APIHash   string `json:"apiHash"`
	SessionID string `json:"sessionId"`
}

// WriteConfig atomically writes the credentials artifact into dir.
func WriteConfig(dir string, creds domain.Credentials) error {
	data, err := json.MarshalIndent(programConfig{
		APIID:   creds.APIID,
		APIHash: creds.APIHash,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, ConfigFileName)); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}
