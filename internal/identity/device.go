package identity

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// LoadDeviceID reads the persistent device identifier from path, generating
// and persisting a fresh one on first use. The device id scopes the offline
// ledger to one physical device so that changes made on another device are
// never double-counted here.
func LoadDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}
