package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupReappliesLevel(t *testing.T) {
	SetupWithOptions(Options{Level: "ERROR"})
	assert.False(t, Get().Enabled(context.Background(), slog.LevelInfo))

	// a configuration reload changes the level in place
	SetupWithOptions(Options{Level: "DEBUG"})
	assert.True(t, Get().Enabled(context.Background(), slog.LevelDebug))

	SetupWithOptions(Options{Level: "INFO"})
	assert.True(t, Get().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, Get().Enabled(context.Background(), slog.LevelDebug))
}

func TestSetupFileDestination(t *testing.T) {
	dir := t.TempDir()
	SetupWithOptions(Options{Level: "INFO", Dir: dir, File: "run.log"})
	Info("hello from the rotated file")

	_, err := os.Stat(filepath.Join(dir, "run.log"))
	require.NoError(t, err)

	// a later reload can drop the file destination again
	SetupWithOptions(Options{Level: "INFO"})
}
