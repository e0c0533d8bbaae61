// Package device resolves the identifier sent as "device" in every payload.
package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Resolve returns explicitID when set. Otherwise it reads the identifier
// persisted at idFile, generating and persisting a new UUID on first run so
// the value stays stable for the life of the install.
func Resolve(explicitID, idFile string) (string, error) {
	if id := strings.TrimSpace(explicitID); id != "" {
		return id, nil
	}
	if idFile == "" {
		return "", errors.New("device id file path is required when no explicit id is configured")
	}

	data, err := os.ReadFile(idFile)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("failed to read device id file %s: %w", idFile, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(idFile), 0o755); err != nil {
		return "", fmt.Errorf("failed to create device id directory: %w", err)
	}
	if err := os.WriteFile(idFile, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device id to %s: %w", idFile, err)
	}
	return id, nil
}
