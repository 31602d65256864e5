package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MainSection is the reserved section every config file must carry.
	MainSection = "resilient"

	// SecretPrefix marks a value for resolution through the secrets provider.
	SecretPrefix = "^"
)

// Config is the fully loaded and secret-resolved configuration for one run.
// It is immutable after Load returns; a config-file change produces a new one.
type Config struct {
	Path     string
	Main     map[string]string
	Apps     map[string]map[string]string
	Settings Settings

	resolve func(string) string
}

// Settings are the typed options recognized in the main section.
type Settings struct {
	Host string
	Port int

	StompHost string
	StompPort int

	Email        string
	Password     string
	APIKeyID     string
	APIKeySecret string

	Org    string
	CAFile string

	StompTimeout              int // seconds
	HeartbeatTimeoutThreshold int // heart_beat_receive_scale
	StompMaxConnectionErrors  int
	ExitOnStompDataError      bool

	LogLevel       string
	LogDir         string
	LogFile        string
	LogMaxBytes    int
	LogBackupCount int

	ComponentsDir string
	NoLoad        []string

	SelftestTimeout       int // seconds
	TestActions           bool
	IgnoreMessageFailure  bool
	NumWorkers            int
	MetricsListen         string
	RestartOnConfigChange bool

	PAMType string
}

const (
	DefaultStompPort       = 65001
	DefaultStompTimeout    = 60
	DefaultHeartbeatScale  = 2
	DefaultMaxStompErrors  = 3
	DefaultLogLevel        = "INFO"
	DefaultLogFile         = "app.log"
	DefaultLogMaxBytes     = 10 * 1024 * 1024
	DefaultLogBackupCount  = 10
	DefaultSelftestTimeout = 10
	DefaultNumWorkers      = 10
	MaxNumWorkers          = 500
)

func defaultSettings() Settings {
	return Settings{
		StompPort:                 DefaultStompPort,
		StompTimeout:              DefaultStompTimeout,
		HeartbeatTimeoutThreshold: DefaultHeartbeatScale,
		StompMaxConnectionErrors:  DefaultMaxStompErrors,
		ExitOnStompDataError:      true,
		LogLevel:                  DefaultLogLevel,
		LogFile:                   DefaultLogFile,
		LogMaxBytes:               DefaultLogMaxBytes,
		LogBackupCount:            DefaultLogBackupCount,
		SelftestTimeout:           DefaultSelftestTimeout,
		NumWorkers:                DefaultNumWorkers,
	}
}

// recognizedKeys are the main-section options the loader understands.
// Anything else is rejected unless AllowUnrecognized is set.
var recognizedKeys = map[string]bool{
	"host": true, "port": true,
	"stomp_host": true, "stomp_port": true,
	"email": true, "password": true,
	"api_key_id": true, "api_key_secret": true,
	"org": true, "cafile": true,
	"stomp_timeout": true, "heartbeat_timeout_threshold": true,
	"stomp_max_connection_errors": true, "exit_on_stomp_data_error": true,
	"log_level": true, "log_dir": true, "log_file": true,
	"log_max_bytes": true, "log_backup_count": true,
	"componentsdir": true, "noload": true,
	"selftest_timeout": true, "test_actions": true,
	"ignore_message_failure": true, "num_workers": true,
	"metrics_listen": true, "restart_on_config_change": true,
	"pam_type": true,
}

// Get returns the resolved value for key in the main section.
func (c *Config) Get(key string) string {
	return c.Main[key]
}

// App returns the resolved section for an installed app, or nil.
func (c *Config) App(section string) map[string]string {
	return c.Apps[section]
}

// Resolve passes a secret-prefixed value through the configured secrets
// provider. Plain values are returned verbatim, so Resolve is idempotent.
func (c *Config) Resolve(v string) string {
	if !strings.HasPrefix(v, SecretPrefix) {
		return v
	}
	if c.resolve == nil {
		return v
	}
	return c.resolve(v)
}

// IsTrue interprets a config string the way the runtime always has:
// a leading 1, t or y (case-insensitive) means true.
func IsTrue(v string) bool {
	if v == "" {
		return false
	}
	switch strings.ToLower(v)[0] {
	case '1', 't', 'y':
		return true
	}
	return false
}

func parseInt(section, key, v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("[%s] %s: %q is not a number", section, key, v)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
