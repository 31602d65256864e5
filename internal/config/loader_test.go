package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.config")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `[resilient]
host = soar.example.com
port = 443
api_key_id = abcd
api_key_secret = efgh
org = Test Org
`

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.NoError(t, err)

	assert.Equal(t, "soar.example.com", cfg.Settings.Host)
	assert.Equal(t, 443, cfg.Settings.Port)
	assert.Equal(t, "Test Org", cfg.Settings.Org)
	// stomp host defaults to host, stomp port to 65001
	assert.Equal(t, "soar.example.com", cfg.Settings.StompHost)
	assert.Equal(t, DefaultStompPort, cfg.Settings.StompPort)
	assert.Equal(t, DefaultNumWorkers, cfg.Settings.NumWorkers)
	assert.True(t, cfg.Settings.ExitOnStompDataError)
}

func TestLoadAppSections(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
[fn_my_app]
url = https://api.example.com
password = plain
`)

	cfg, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.NoError(t, err)

	app := cfg.App("fn_my_app")
	require.NotNil(t, app)
	assert.Equal(t, "https://api.example.com", app["url"])
	assert.Nil(t, cfg.App("missing"))
}

func TestLoadResolvesSecrets(t *testing.T) {
	path := writeConfig(t, strings.Replace(minimalConfig,
		"api_key_secret = efgh", "api_key_secret = ^vault.path.secret", 1))

	cfg, err := Load(path, LoadOptions{Resolve: func(v string) string {
		if v == "^vault.path.secret" {
			return "resolved-secret"
		}
		return v
	}})
	require.NoError(t, err)

	assert.Equal(t, "resolved-secret", cfg.Settings.APIKeySecret)
}

func TestResolveIdempotent(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path, LoadOptions{Resolve: func(v string) string {
		return strings.TrimPrefix(v, SecretPrefix) + "-resolved"
	}})
	require.NoError(t, err)

	plain := cfg.Resolve("value")
	assert.Equal(t, plain, cfg.Resolve(plain))

	secret := cfg.Resolve("^ref")
	assert.Equal(t, secret, cfg.Resolve(secret))
}

func TestLoadUnrecognizedKey(t *testing.T) {
	path := writeConfig(t, minimalConfig+"bogus_option = 1\n")

	_, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus_option")

	_, err = Load(path, LoadOptions{AllowUnrecognized: true, Resolve: func(v string) string { return v }})
	assert.NoError(t, err)
}

func TestLoadLastKeyWins(t *testing.T) {
	path := writeConfig(t, minimalConfig+"org = First\norg = Second\n")

	cfg, err := Load(path, LoadOptions{AllowUnrecognized: true, Resolve: func(v string) string { return v }})
	require.NoError(t, err)
	assert.Equal(t, "Second", cfg.Settings.Org)
}

func TestLoadMissingCredentials(t *testing.T) {
	path := writeConfig(t, "[resilient]\nhost = soar.example.com\n")

	_, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key_id")
}

func TestLoadMalformedNumber(t *testing.T) {
	path := writeConfig(t, minimalConfig+"stomp_timeout = soon\n")

	_, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stomp_timeout")
}

func TestLoadMissingMainSection(t *testing.T) {
	path := writeConfig(t, "[fn_other]\nkey = value\n")

	_, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), MainSection)
}

func TestIsTrue(t *testing.T) {
	for _, v := range []string{"1", "true", "True", "yes", "y", "t"} {
		assert.True(t, IsTrue(v), v)
	}
	for _, v := range []string{"", "0", "false", "no", "off"} {
		assert.False(t, IsTrue(v), v)
	}
}

func TestNoLoadList(t *testing.T) {
	path := writeConfig(t, minimalConfig+"noload = comp_a, comp_b ,\n")

	cfg, err := Load(path, LoadOptions{Resolve: func(v string) string { return v }})
	require.NoError(t, err)
	assert.Equal(t, []string{"comp_a", "comp_b"}, cfg.Settings.NoLoad)
}

func TestContentHashChangesWithContent(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	h1, err := ContentHash(path)
	require.NoError(t, err)

	h2, err := ContentHash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"\n# touched\n"), 0o644))
	h3, err := ContentHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestGenerateAndUpdateTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.config")
	tpl := []SectionTemplate{{
		Section: "fn_my_app",
		Keys:    []TemplateKey{{Name: "url", Value: "https://example.com"}},
	}}

	require.NoError(t, Generate(path, tpl))
	require.Error(t, Generate(path, tpl), "second create must fail")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[resilient]")
	assert.Contains(t, string(data), "[fn_my_app]")

	// update preserves user values and adds new keys only
	tpl[0].Keys = append(tpl[0].Keys, TemplateKey{Name: "timeout", Value: "30"})
	require.NoError(t, Update(path, tpl))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "timeout")
}
