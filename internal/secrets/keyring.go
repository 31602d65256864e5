package secrets

import (
	keyringlib "github.com/zalando/go-keyring"

	"github.com/mattjoyce/actiond/internal/log"
)

// keyringService is where plain config secrets live in the OS keyring.
// The main section is stored under "_" by the keyring setup utility.
const keyringService = "_"

// Keyring resolves references against the OS keyring backend.
// Reference grammar: ^<key>.
type Keyring struct {
	ps  *ProtectedSecrets
	get func(service, key string) (string, error)
}

// NewKeyring builds the default provider.
func NewKeyring(ps *ProtectedSecrets) *Keyring {
	return &Keyring{ps: ps, get: keyringlib.Get}
}

func (k *Keyring) Get(reference, def string) string {
	item := stripPrefix(reference)
	v, err := k.get(keyringService, item)
	if err != nil {
		log.Error("keyring lookup failed", "key", item, "error", err)
		return def
	}
	return v
}

// SelfTest probes the keyring backend with a read. A missing key is fine;
// an unusable backend is not.
func (k *Keyring) SelfTest() (bool, string) {
	if _, err := k.get(keyringService, "selftest_probe"); err != nil && err != keyringlib.ErrNotFound {
		return false, "no usable keyring backend: " + err.Error()
	}
	return true, ""
}
