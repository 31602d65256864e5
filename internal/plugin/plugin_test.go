package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/actiond/internal/action"
	"github.com/mattjoyce/actiond/internal/config"
	"github.com/mattjoyce/actiond/internal/protocol"
)

const validManifest = `name: url_scanner
version: 1.2.0
protocol: 1
entrypoint: run.sh
queue: scan_queue
events:
  - manual_scan
  - rescan
config_keys:
  required: [api_url]
`

func writeComponentDir(t *testing.T, root, dir, manifest string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, manifestFilename), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeComponentDir(t, root, "url_scanner", validManifest)

	found, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, found, 1)

	ext := found[0]
	assert.Equal(t, "url_scanner", ext.Name)
	assert.Equal(t, "scan_queue", ext.Queue)
	assert.Equal(t, []string{"manual_scan", "rescan"}, ext.Events)
	assert.Equal(t, "url_scanner", ext.Section, "section defaults to the name")
	assert.Equal(t, []string{"api_url"}, ext.ConfigKeys.Required)
	assert.Equal(t, filepath.Join(root, "url_scanner", "run.sh"), ext.Entrypoint)
}

func TestDiscoverMissingDirIsEmpty(t *testing.T) {
	found, err := Discover(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, found)

	found, err = Discover("")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverSkipsInvalid(t *testing.T) {
	root := t.TempDir()
	writeComponentDir(t, root, "good", validManifest)

	// missing entrypoint file
	bad := filepath.Join(root, "bad")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, manifestFilename),
		[]byte("name: bad\nprotocol: 1\nentrypoint: missing.sh\nqueue: q\nevents: [x]\n"), 0o644))

	// wrong protocol version
	writeComponentDir(t, root, "old", `name: old
protocol: 99
entrypoint: run.sh
queue: q
events: [x]
`)

	found, err := Discover(root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "url_scanner", found[0].Name)
}

func TestDiscoverRejectsNonExecutableEntrypoint(t *testing.T) {
	root := t.TempDir()
	dir := writeComponentDir(t, root, "url_scanner", validManifest)
	require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o644))

	found, err := Discover(root)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sneaky")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestFilename),
		[]byte("name: sneaky\nprotocol: 1\nentrypoint: ../../run.sh\nqueue: q\nevents: [x]\n"), 0o644))

	found, err := Discover(root)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func testExternal() *External {
	return &External{
		Name:       "url_scanner",
		Path:       "/opt/components/url_scanner",
		Entrypoint: "/opt/components/url_scanner/run.sh",
		Queue:      "scan_queue",
		Events:     []string{"manual_scan"},
		Section:    "url_scanner",
		ConfigKeys: &ConfigKeys{Required: []string{"api_url"}},
	}
}

func testMessage(t *testing.T) *action.Message {
	t.Helper()
	m, err := action.Decode("scan_queue",
		action.Headers{MessageID: "m1", CorrelationID: "c1"},
		[]byte(`{"action_id": 17}`))
	require.NoError(t, err)
	return m
}

func TestBuildComponentMapsResponses(t *testing.T) {
	cfg := &config.Config{Apps: map[string]map[string]string{
		"url_scanner": {"api_url": "https://scan.example.com"},
	}}

	var gotReq *protocol.Request
	run := func(ctx context.Context, entrypoint, dir string, req *protocol.Request) (*protocol.Response, error) {
		gotReq = req
		return &protocol.Response{Status: protocol.StatusOK, Message: "scanned"}, nil
	}

	c := buildComponent(testExternal(), cfg, run)
	assert.Equal(t, "scan_queue", c.Queue)
	assert.Equal(t, []string{"api_url"}, c.RequiredFields)

	h := c.Handler("manual_scan")
	require.NotNil(t, h)
	res, err := h(context.Background(), testMessage(t))
	require.NoError(t, err)
	assert.Equal(t, "scanned", res.Text)

	require.NotNil(t, gotReq)
	assert.Equal(t, protocol.SupportedVersion, gotReq.Protocol)
	assert.Equal(t, "manual_scan", gotReq.Event)
	assert.Equal(t, 17, gotReq.ActionID)
	assert.NotEmpty(t, gotReq.InvocationID)
	assert.Equal(t, "https://scan.example.com", gotReq.Config["api_url"])
	assert.Equal(t, "m1", gotReq.Headers["message-id"])
}

func TestBuildComponentQueueOverride(t *testing.T) {
	cfg := &config.Config{Apps: map[string]map[string]string{
		"url_scanner": {"queue": "custom_queue"},
	}}
	c := buildComponent(testExternal(), cfg, nil)
	assert.Equal(t, "custom_queue", c.Queue)
}

func TestBuildComponentDefer(t *testing.T) {
	run := func(ctx context.Context, entrypoint, dir string, req *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{Status: protocol.StatusDefer, Message: "busy", DeferMS: 1500}, nil
	}
	c := buildComponent(testExternal(), &config.Config{}, run)

	_, err := c.Handler("manual_scan")(context.Background(), testMessage(t))
	de, ok := action.AsDefer(err)
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, de.Delay)
	assert.Equal(t, "busy", de.Reason)
}

func TestBuildComponentError(t *testing.T) {
	run := func(ctx context.Context, entrypoint, dir string, req *protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{Status: protocol.StatusError, Message: "upstream 503"}, nil
	}
	c := buildComponent(testExternal(), &config.Config{}, run)

	_, err := c.Handler("manual_scan")(context.Background(), testMessage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream 503")
	_, isDefer := action.AsDefer(err)
	assert.False(t, isDefer)
}
