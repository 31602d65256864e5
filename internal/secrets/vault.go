package secrets

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/actiond/internal/log"
)

const (
	vaultLoginPath  = "/v1/auth/approle/login"
	vaultKVDataPath = "/v1/%s/data/%s"
	vaultTimeout    = 30 * time.Second
)

// Vault resolves references against a HashiCorp Vault KV v2 engine using
// approle authentication. Reference grammar: ^<engine>.<path>.<field>.
type Vault struct {
	ps     *ProtectedSecrets
	client *retryablehttp.Client

	mu          sync.Mutex
	clientToken string
	leaseExpiry time.Time
}

// NewVault builds the provider. Authentication is deferred until the first
// lookup so a configured-but-unused provider never blocks startup.
func NewVault(ps *ProtectedSecrets) *Vault {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = vaultTimeout
	client.Logger = nil
	client.HTTPClient.Transport = transportFor(ps)
	return &Vault{ps: ps, client: client}
}

func transportFor(ps *ProtectedSecrets) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	switch verify := ps.Get(KeyPAMVerifyCert); {
	case strings.EqualFold(verify, "false"):
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	case verify != "" && !strings.EqualFold(verify, "true"):
		// a path to a CA bundle
		pool := x509.NewCertPool()
		if pem, err := os.ReadFile(verify); err == nil && pool.AppendCertsFromPEM(pem) {
			transport.TLSClientConfig = &tls.Config{RootCAs: pool}
		} else {
			log.Warn("could not load PAM CA bundle, using system roots", "path", verify)
		}
	}
	return transport
}

type vaultAuthResponse struct {
	Errors []string `json:"errors"`
	Auth   struct {
		ClientToken   string `json:"client_token"`
		LeaseDuration int    `json:"lease_duration"`
	} `json:"auth"`
}

type vaultKVResponse struct {
	Errors []string `json:"errors"`
	Data   struct {
		Data     map[string]any `json:"data"`
		Metadata struct {
			Version   int  `json:"version"`
			Destroyed bool `json:"destroyed"`
		} `json:"metadata"`
	} `json:"data"`
}

// login authenticates with approle credentials from the protected secrets
// and caches the client token until its lease expires.
func (v *Vault) login() error {
	if missing := v.ps.Missing(KeyPAMAddress, KeyPAMAppID, KeyPAMSecretID); len(missing) > 0 {
		return fmt.Errorf("missing required protected secrets: %s", strings.Join(missing, ", "))
	}

	payload, err := json.Marshal(map[string]string{
		"role_id":   v.ps.Get(KeyPAMAppID),
		"secret_id": v.ps.Get(KeyPAMSecretID),
	})
	if err != nil {
		return err
	}

	before := time.Now().UTC()
	resp, err := v.client.Post(
		strings.TrimRight(v.ps.Get(KeyPAMAddress), "/")+vaultLoginPath,
		"application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("vault approle login: %w", err)
	}
	defer resp.Body.Close()

	var auth vaultAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return fmt.Errorf("vault approle login: decode response: %w", err)
	}
	if len(auth.Errors) > 0 {
		return fmt.Errorf("vault approle login rejected: %s", strings.Join(auth.Errors, "; "))
	}
	if auth.Auth.ClientToken == "" {
		return fmt.Errorf("vault approle login returned no client token")
	}

	v.clientToken = auth.Auth.ClientToken
	v.leaseExpiry = before.Add(time.Duration(auth.Auth.LeaseDuration) * time.Second)
	return nil
}

func (v *Vault) token() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.clientToken == "" || time.Now().UTC().After(v.leaseExpiry) {
		if err := v.login(); err != nil {
			return "", err
		}
	}
	return v.clientToken, nil
}

func (v *Vault) Get(reference, def string) string {
	parts := strings.SplitN(stripPrefix(reference), ".", 3)
	if len(parts) != 3 {
		log.Error("vault reference must be ^<engine>.<path>.<field>", "reference", reference)
		return def
	}
	engine, path, field := parts[0], parts[1], parts[2]

	token, err := v.token()
	if err != nil {
		log.Error("vault authentication failed", "error", err)
		return def
	}

	req, err := retryablehttp.NewRequest(http.MethodGet,
		strings.TrimRight(v.ps.Get(KeyPAMAddress), "/")+fmt.Sprintf(vaultKVDataPath, engine, path), nil)
	if err != nil {
		log.Error("vault request build failed", "error", err)
		return def
	}
	req.Header.Set("X-Vault-Token", token)

	resp, err := v.client.Do(req)
	if err != nil {
		log.Error("vault read failed", "path", path, "error", err)
		return def
	}
	defer resp.Body.Close()

	var kv vaultKVResponse
	if err := json.NewDecoder(resp.Body).Decode(&kv); err != nil {
		log.Error("vault read failed", "path", path, "error", err)
		return def
	}
	if len(kv.Errors) > 0 {
		log.Error("vault read rejected", "path", path, "errors", strings.Join(kv.Errors, "; "))
		return def
	}
	if len(kv.Data.Data) == 0 {
		if kv.Data.Metadata.Destroyed {
			log.Error("vault secret version destroyed",
				"path", path, "version", kv.Data.Metadata.Version)
		} else {
			log.Error("vault secret version has no data",
				"path", path, "version", kv.Data.Metadata.Version)
		}
		return def
	}

	value, ok := kv.Data.Data[field]
	if !ok {
		log.Error("vault secret missing field", "path", path, "field", field)
		return def
	}
	s, ok := value.(string)
	if !ok {
		log.Error("vault secret field is not a string", "path", path, "field", field)
		return def
	}
	return s
}

// SelfTest checks required protected secrets and performs a live login.
func (v *Vault) SelfTest() (bool, string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.login(); err != nil {
		return false, err.Error()
	}
	return true, ""
}
