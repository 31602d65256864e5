// Package selftest gates deployment: it verifies the secrets provider,
// REST connectivity, the STOMP subscription path and every component's
// own self test, and maps failures onto a fixed exit-code taxonomy that
// outer orchestration depends on.
package selftest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/actiond/internal/component"
	"github.com/mattjoyce/actiond/internal/log"
	"github.com/mattjoyce/actiond/internal/rest"
	"github.com/mattjoyce/actiond/internal/transport"
)

// Exit codes. These are a stable contract; do not renumber.
const (
	ExitOK            = 0
	ExitAppFailure    = 1
	ExitUnimplemented = 2

	ExitRESTGeneric      = 20
	ExitRESTUnauthorized = 21
	ExitRESTCertFile     = 22
	ExitRESTTLS          = 23
	ExitRESTOrg          = 24
	ExitRESTCredentials  = 25

	ExitSTOMPGeneric   = 30
	ExitSTOMPAuth      = 31
	ExitSTOMPQueueRead = 32
	ExitSTOMPTimeout   = 33
)

// DefaultTimeout bounds the STOMP subscription observation.
const DefaultTimeout = 10 * time.Second

// Resolver is the slice of the secrets provider the runner needs.
type Resolver interface {
	SelfTest() (bool, string)
}

// Runner executes the checks in order and stops at the first failure.
type Runner struct {
	// Resolver is skipped when nil (no pam_type configured).
	Resolver Resolver

	// Rest is connected to verify credentials and org membership.
	Rest rest.Client

	// CheckSTOMP observes the subscription path; wired to
	// ObserveSubscription against a live transport. Skipped when nil.
	CheckSTOMP func(ctx context.Context) error

	// Components whose SelfTest hooks should run. Restrict with Only.
	Components []*component.Component

	// Only limits component checks to the named components.
	Only []string

	Timeout time.Duration
}

// Run returns the exit code for the process.
func (r *Runner) Run(ctx context.Context) int {
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}

	if r.Resolver != nil {
		if ok, reason := r.Resolver.SelfTest(); !ok {
			log.Error("secrets provider selftest failed", "reason", reason)
			return ExitAppFailure
		}
		log.Info("secrets provider selftest passed")
	}

	if r.Rest != nil {
		connectCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		err := r.Rest.Connect(connectCtx)
		cancel()
		if err != nil {
			code := ClassifyRESTError(err)
			log.Error("rest selftest failed", "exit_code", code, "error", err)
			return code
		}
		log.Info("rest selftest passed", "org_id", r.Rest.OrgID())
	}

	if r.CheckSTOMP != nil {
		stompCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		err := r.CheckSTOMP(stompCtx)
		cancel()
		if err != nil {
			code := ClassifySTOMPError(err)
			log.Error("stomp selftest failed", "exit_code", code, "error", err)
			return code
		}
		log.Info("stomp selftest passed")
	}

	return r.runComponents(ctx)
}

func (r *Runner) runComponents(ctx context.Context) int {
	only := make(map[string]bool, len(r.Only))
	for _, name := range r.Only {
		only[name] = true
	}

	code := ExitOK
	for _, c := range r.Components {
		if len(only) > 0 && !only[c.Name] {
			continue
		}
		delete(only, c.Name)

		if c.SelfTest == nil {
			log.Info("component has no selftest", "component", c.Name)
			if code == ExitOK {
				code = ExitUnimplemented
			}
			continue
		}

		start := time.Now()
		err := c.SelfTest(ctx)
		elapsed := time.Since(start)
		switch {
		case err == nil:
			log.Info("component selftest passed", "component", c.Name, "elapsed", elapsed)
		case errors.Is(err, component.ErrSelfTestUnimplemented):
			log.Info("component selftest unimplemented", "component", c.Name)
			if code == ExitOK {
				code = ExitUnimplemented
			}
		default:
			log.Error("component selftest failed", "component", c.Name, "error", err)
			code = ExitAppFailure
		}
	}

	for name := range only {
		log.Error("no selftest found for requested component", "component", name)
		if code == ExitOK {
			code = ExitUnimplemented
		}
	}
	return code
}

// ClassifyRESTError maps a connect failure onto the REST exit codes. 401
// and 403 are unauthorized; the invalid-credentials code is reserved for
// the server explicitly rejecting the username or password.
func ClassifyRESTError(err error) int {
	var he *rest.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == 401 && invalidCredentials(he.Message):
			return ExitRESTCredentials
		case he.StatusCode == 401, he.StatusCode == 403:
			return ExitRESTUnauthorized
		}
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return ExitRESTCertFile
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) {
		return ExitRESTTLS
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "certificate"), strings.Contains(msg, "tls"):
		return ExitRESTTLS
	case strings.Contains(msg, "ca bundle"):
		return ExitRESTCertFile
	case strings.Contains(msg, "org"):
		return ExitRESTOrg
	}
	return ExitRESTGeneric
}

// invalidCredentials matches the server's session rejection for a wrong
// username or password, as opposed to a key lacking permission.
func invalidCredentials(message string) bool {
	msg := strings.ToLower(message)
	return strings.Contains(msg, "invalid username or password") ||
		strings.Contains(msg, "invalid credentials")
}

// ErrSubscriptionTimeout is returned when no subscription is observed
// within the selftest timeout.
var ErrSubscriptionTimeout = errors.New("timed out waiting for an active subscription")

// ErrQueueUnreadable marks a broker refusal to let us read the queue.
var ErrQueueUnreadable = errors.New("not authorized to read from queue")

// ClassifySTOMPError maps a subscription failure onto the STOMP exit codes.
func ClassifySTOMPError(err error) int {
	switch {
	case errors.Is(err, ErrSubscriptionTimeout), errors.Is(err, context.DeadlineExceeded):
		return ExitSTOMPTimeout
	case errors.Is(err, ErrQueueUnreadable):
		return ExitSTOMPQueueRead
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authorized to read"), strings.Contains(msg, "user not authorized to read"):
		return ExitSTOMPQueueRead
	case strings.Contains(msg, "auth"):
		return ExitSTOMPAuth
	}
	return ExitSTOMPGeneric
}

// ObserveSubscription drives a transport until a connection is observed,
// a fatal error surfaces, or ctx expires. It is the CheckSTOMP wiring for
// a real broker.
func ObserveSubscription(ctx context.Context, tr *transport.Transport) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- tr.Run(runCtx) }()

	for {
		select {
		case <-ctx.Done():
			return ErrSubscriptionTimeout
		case err := <-runDone:
			if err != nil {
				return err
			}
			return fmt.Errorf("transport stopped before connecting")
		case ev, ok := <-tr.Events():
			if !ok {
				return fmt.Errorf("transport stopped before connecting")
			}
			switch ev.Kind {
			case transport.EventConnected:
				return nil
			case transport.EventError:
				return ev.Err
			case transport.EventDisconnected:
				// an authorization refusal will never succeed on retry
				if code := ClassifySTOMPError(ev.Err); ev.Err != nil &&
					(code == ExitSTOMPAuth || code == ExitSTOMPQueueRead) {
					return ev.Err
				}
			}
		}
	}
}
