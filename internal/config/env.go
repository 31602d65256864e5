package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvConfigFile overrides the config file location.
	EnvConfigFile = "APP_CONFIG_FILE"

	// EnvLockFile overrides the single-instance lock file location.
	EnvLockFile = "APP_LOCK_FILE"

	// EnvSubscriptionQueue names the queue on which low-code connector
	// membership is published at runtime.
	EnvSubscriptionQueue = "APP_CONFIG_SUBSCRIPTION_Q_NAME"
)

// Env carries the process-environment settings the runtime recognizes.
// Proxy variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY) are honored by the
// REST transport directly and are not duplicated here.
type Env struct {
	ConfigFile        string `envconfig:"APP_CONFIG_FILE"`
	LockFile          string `envconfig:"APP_LOCK_FILE"`
	LogDir            string `envconfig:"APP_LOG_DIR"`
	SubscriptionQueue string `envconfig:"APP_CONFIG_SUBSCRIPTION_Q_NAME"`
}

// ReadEnv binds the recognized environment variables.
func ReadEnv() (Env, error) {
	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return e, fmt.Errorf("read environment: %w", err)
	}
	return e, nil
}
