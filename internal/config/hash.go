package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// ContentHash computes the BLAKE3 hash of the config file contents.
// The supervisor uses it to ignore filesystem events that do not actually
// change the configuration (editors fire several events per save).
func ContentHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config for hashing: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
