package secrets

import (
	"os"

	keyringlib "github.com/zalando/go-keyring"
)

// Protected-secret keys the built-in providers require.
const (
	KeyPAMAddress    = "PAM_ADDRESS"
	KeyPAMAppID      = "PAM_APP_ID"
	KeyPAMSecretID   = "PAM_SECRET_ID"
	KeyPAMVerifyCert = "PAM_VERIFY_SERVER_CERT"
	KeyPAMClientCert = "PAM_CLIENT_CERT"
	KeyPAMClientKey  = "PAM_CLIENT_KEY"
)

// protectedService is the keyring service name for provider credentials.
const protectedService = "protected"

// ProtectedSecrets is the source of the credentials the providers themselves
// need (vault role ids, CCP certificates). Values come from the process
// environment first, then from the OS keyring.
type ProtectedSecrets struct {
	getenv  func(string) string
	keyring func(service, key string) (string, error)
}

// NewProtectedSecrets reads from the real environment and OS keyring.
func NewProtectedSecrets() *ProtectedSecrets {
	return &ProtectedSecrets{
		getenv:  os.Getenv,
		keyring: keyringlib.Get,
	}
}

// Get returns the protected secret for key, or "" when absent everywhere.
func (p *ProtectedSecrets) Get(key string) string {
	if v := p.getenv(key); v != "" {
		return v
	}
	v, err := p.keyring(protectedService, key)
	if err != nil {
		return ""
	}
	return v
}

// Missing returns the subset of keys that have no value.
func (p *ProtectedSecrets) Missing(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if p.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
