package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"

	"github.com/mattjoyce/actiond/internal/log"
)

// LoadOptions tune the loader.
type LoadOptions struct {
	// AllowUnrecognized lets unknown main-section keys pass silently.
	AllowUnrecognized bool

	// Resolve resolves a secret-prefixed value. When nil the loader builds
	// one from the pam_type option via the hook installed by the secrets
	// package.
	Resolve func(string) string
}

// resolverFactory is installed by the secrets package so the loader can
// construct a provider from pam_type without an import cycle.
var resolverFactory func(pamType string) (func(string) string, error)

// SetResolverFactory registers the secrets-provider constructor.
func SetResolverFactory(f func(pamType string) (func(string) string, error)) {
	resolverFactory = f
}

// DefaultPath locates the config file: $APP_CONFIG_FILE, then ./app.config,
// then ~/.resilient/app.config.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigFile); p != "" {
		return p
	}
	if _, err := os.Stat("app.config"); err == nil {
		return "app.config"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "app.config"
	}
	return filepath.Join(home, ".resilient", "app.config")
}

// Load reads and parses the INI config file at path, resolves secret values,
// and returns an immutable Config. Duplicate keys are last-wins. A malformed
// file is a fatal startup error.
func Load(path string, opts LoadOptions) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	file, err := ini.LoadSources(ini.LoadOptions{
		AllowShadows:             false,
		SkipUnrecognizableLines:  false,
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if !file.HasSection(MainSection) {
		return nil, fmt.Errorf("config %s: missing required [%s] section", path, MainSection)
	}

	cfg := &Config{
		Path: path,
		Main: map[string]string{},
		Apps: map[string]map[string]string{},
	}

	// The secrets provider is selected by the raw pam_type value, which
	// itself is never secret-prefixed.
	pamType := file.Section(MainSection).Key("pam_type").String()
	resolve := opts.Resolve
	if resolve == nil && resolverFactory != nil {
		resolve, err = resolverFactory(pamType)
		if err != nil {
			return nil, fmt.Errorf("configure secrets provider %q: %w", pamType, err)
		}
	}
	cfg.resolve = resolve

	for _, section := range file.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			continue
		}
		values := map[string]string{}
		for _, key := range section.Keys() {
			values[key.Name()] = cfg.Resolve(key.String())
		}
		if name == MainSection {
			cfg.Main = values
		} else {
			cfg.Apps[name] = values
		}
	}

	if !opts.AllowUnrecognized {
		for key := range cfg.Main {
			if !recognizedKeys[key] {
				return nil, fmt.Errorf("config %s: unrecognized option %q in [%s]", path, key, MainSection)
			}
		}
	}

	settings, err := parseSettings(cfg.Main)
	if err != nil {
		return nil, err
	}
	cfg.Settings = settings

	return cfg, nil
}

func parseSettings(main map[string]string) (Settings, error) {
	s := defaultSettings()

	s.Host = main["host"]
	s.Email = main["email"]
	s.Password = main["password"]
	s.APIKeyID = main["api_key_id"]
	s.APIKeySecret = main["api_key_secret"]
	s.Org = main["org"]
	s.CAFile = main["cafile"]
	s.ComponentsDir = main["componentsdir"]
	s.NoLoad = splitList(main["noload"])
	s.MetricsListen = main["metrics_listen"]
	s.PAMType = main["pam_type"]

	if v, ok := main["log_level"]; ok {
		s.LogLevel = v
	}
	if v, ok := main["log_dir"]; ok {
		s.LogDir = v
	}
	if v, ok := main["log_file"]; ok {
		s.LogFile = v
	}

	s.StompHost = main["stomp_host"]
	if s.StompHost == "" {
		s.StompHost = s.Host
	}

	var err error
	for _, num := range []struct {
		key string
		dst *int
	}{
		{"port", &s.Port},
		{"stomp_port", &s.StompPort},
		{"stomp_timeout", &s.StompTimeout},
		{"heartbeat_timeout_threshold", &s.HeartbeatTimeoutThreshold},
		{"stomp_max_connection_errors", &s.StompMaxConnectionErrors},
		{"log_max_bytes", &s.LogMaxBytes},
		{"log_backup_count", &s.LogBackupCount},
		{"selftest_timeout", &s.SelftestTimeout},
		{"num_workers", &s.NumWorkers},
	} {
		if v, ok := main[num.key]; ok {
			if *num.dst, err = parseInt(MainSection, num.key, v); err != nil {
				return s, err
			}
		}
	}

	if v, ok := main["test_actions"]; ok {
		s.TestActions = IsTrue(v)
	}
	if v, ok := main["ignore_message_failure"]; ok {
		s.IgnoreMessageFailure = IsTrue(v)
	}
	if v, ok := main["restart_on_config_change"]; ok {
		s.RestartOnConfigChange = IsTrue(v)
	}
	if v, ok := main["exit_on_stomp_data_error"]; ok {
		s.ExitOnStompDataError = IsTrue(v)
	}

	if s.NumWorkers > MaxNumWorkers {
		log.Warn("num_workers capped", "configured", s.NumWorkers, "max", MaxNumWorkers)
		s.NumWorkers = MaxNumWorkers
	}
	if s.NumWorkers <= 0 {
		s.NumWorkers = DefaultNumWorkers
	}

	if s.Host == "" {
		return s, fmt.Errorf("config: [%s] host is required", MainSection)
	}
	hasUser := s.Email != "" && s.Password != ""
	hasKey := s.APIKeyID != "" && s.APIKeySecret != ""
	if !hasUser && !hasKey {
		return s, fmt.Errorf("config: [%s] needs email+password or api_key_id+api_key_secret", MainSection)
	}
	if hasUser && hasKey {
		log.Warn("both user and api key credentials configured, api key wins")
	}

	return s, nil
}
