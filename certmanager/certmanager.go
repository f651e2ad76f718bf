// Package certmanager owns the per-certificate state machine described in
// §4.4: it decides when to register, order, renew, and back off, and
// publishes a version token whenever on-disk material changes so the
// resource builder can rebuild the xDS snapshot.
package certmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/caasmo/acmexds/acmeclient"
	"github.com/caasmo/acmexds/storage"
)

// State names the phase of a single certificate's lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateValid
	StateIssuing
	StateRenewing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateValid:
		return "valid"
	case StateIssuing:
		return "issuing"
	case StateRenewing:
		return "renewing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

const (
	backoffBase = 60 * time.Second
	backoffCap  = 3600 * time.Second

	minRenewalWindow = 7 * 24 * time.Hour
)

// ManagedCertificate is the authoritative in-memory record for one
// configured certificate (§3).
type ManagedCertificate struct {
	Name    string
	Domains []string // configured domain set

	// StoredDomains is the domain set baked into the currently persisted
	// certificate's SANs. A mismatch against Domains forces reissue.
	StoredDomains []string

	KeyPEM   []byte
	ChainPEM []byte

	NotBefore time.Time
	NotAfter  time.Time
	IssuerURL string

	LastRenewalAt time.Time
	Failures      int
	NextAttempt   time.Time

	State State
}

// HasMaterial reports whether the certificate currently has servable key
// and chain material.
func (m *ManagedCertificate) HasMaterial() bool {
	return len(m.KeyPEM) > 0 && len(m.ChainPEM) > 0
}

// renewalWindow returns one-third of the validity period, clamped to a
// minimum of 7 days (§4.4).
func renewalWindow(notBefore, notAfter time.Time) time.Duration {
	validity := notAfter.Sub(notBefore)
	window := validity / 3
	if window < minRenewalWindow {
		return minRenewalWindow
	}
	return window
}

// backoffDelay computes the next-attempt delay for the given consecutive
// failure count (§4.4): base * 2^failures, capped.
func backoffDelay(failures int) time.Duration {
	if failures <= 0 {
		return backoffBase
	}
	d := backoffBase
	for i := 0; i < failures && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// NotifyFunc is called whenever a certificate's on-disk material changes,
// so the resource builder can recompute the xDS snapshot.
type NotifyFunc func()

// Manager drives the state machine for every configured certificate.
type Manager struct {
	mu    sync.Mutex
	certs map[string]*ManagedCertificate

	store  *storage.Storage
	client *acmeclient.Client
	notify NotifyFunc
	logger *slog.Logger

	directoryURL string
}

// New constructs a Manager. notify is invoked synchronously, from the
// goroutine that ran Attempt, after any successful persistence of new
// material.
func New(store *storage.Storage, client *acmeclient.Client, directoryURL string, notify NotifyFunc, logger *slog.Logger) *Manager {
	return &Manager{
		certs:        make(map[string]*ManagedCertificate),
		store:        store,
		client:       client,
		notify:       notify,
		logger:       logger,
		directoryURL: directoryURL,
	}
}

// LoadFromStorage initializes every configured certificate's in-memory
// state from disk (Unloaded -> Valid|Issuing, §4.4). Certificates without
// usable material enter StateIssuing with NextAttempt = now, so the
// scheduler picks them up immediately.
func (m *Manager) LoadFromStorage(configured []CertificateSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	seen := make(map[string]struct{}, len(configured))
	for _, spec := range configured {
		seen[spec.Name] = struct{}{}

		key, chain, meta, err := m.store.LoadCert(spec.Name)
		if err != nil {
			return fmt.Errorf("certmanager: failed to load %s from storage: %w", spec.Name, err)
		}

		mc := &ManagedCertificate{Name: spec.Name, Domains: spec.Domains}
		if meta != nil {
			mc.KeyPEM = key
			mc.ChainPEM = chain
			mc.StoredDomains = meta.Domains
			mc.NotBefore = meta.NotBefore
			mc.NotAfter = meta.NotAfter
			mc.IssuerURL = meta.IssuerURL
			mc.LastRenewalAt = meta.LastRenewalAt
			mc.State = StateValid
		} else {
			mc.State = StateIssuing
			mc.NextAttempt = now
		}

		m.certs[spec.Name] = mc
	}

	// Certificates removed from config stop being scheduled; files stay
	// on disk per the open-question decision in DESIGN.md.
	for name := range m.certs {
		if _, ok := seen[name]; !ok {
			delete(m.certs, name)
		}
	}

	return nil
}

// CertificateSpec is the subset of configuration the manager needs per
// certificate.
type CertificateSpec struct {
	Name    string
	Domains []string
}

// Snapshot returns a defensive copy of every tracked certificate, for the
// resource builder and for tests.
func (m *Manager) Snapshot() []ManagedCertificate {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ManagedCertificate, 0, len(m.certs))
	for _, mc := range m.certs {
		out = append(out, *mc)
	}
	return out
}

// DueCertificates returns the names of certificates whose NextAttempt has
// elapsed and are not already mid-issuance, ordered by NextAttempt.
func (m *Manager) DueCertificates(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for name, mc := range m.certs {
		if mc.State == StateRenewing {
			continue
		}
		// Attempt clears NextAttempt, so an Issuing entry with a pending
		// NextAttempt is one loaded without material, not one in flight.
		if mc.State == StateIssuing && (mc.NextAttempt.IsZero() || now.Before(mc.NextAttempt)) {
			continue
		}
		if mc.State == StateValid && !needsRenewalLocked(mc, now) {
			continue
		}
		if mc.State == StateBackoff && now.Before(mc.NextAttempt) {
			continue
		}
		due = append(due, name)
	}
	sort.Slice(due, func(i, j int) bool {
		return m.certs[due[i]].NextAttempt.Before(m.certs[due[j]].NextAttempt)
	})
	return due
}

func needsRenewalLocked(mc *ManagedCertificate, now time.Time) bool {
	if !mc.HasMaterial() {
		return true
	}
	if !now.Before(mc.NotAfter.Add(-renewalWindow(mc.NotBefore, mc.NotAfter))) {
		return true
	}
	return domainSetsDiffer(mc.Domains, mc.StoredDomains)
}

func domainSetsDiffer(configured, stored []string) bool {
	if len(configured) != len(stored) {
		return true
	}
	want := make(map[string]struct{}, len(configured))
	for _, d := range configured {
		want[d] = struct{}{}
	}
	for _, d := range stored {
		if _, ok := want[d]; !ok {
			return true
		}
	}
	return false
}

// Attempt drives a single issuance/renewal attempt for name to completion
// (or failure), updating state, storage and scheduling per §4.4. It is
// safe to call concurrently for distinct names; the manager's internal
// lock only protects bookkeeping, not the (potentially slow) ACME call.
func (m *Manager) Attempt(ctx context.Context, name string) error {
	m.mu.Lock()
	mc, ok := m.certs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("certmanager: unknown certificate %q", name)
	}
	wasValid := mc.State == StateValid
	if wasValid {
		mc.State = StateRenewing
	} else {
		mc.State = StateIssuing
	}
	mc.NextAttempt = time.Time{}
	domains := append([]string(nil), mc.Domains...)
	m.mu.Unlock()

	acc, err := m.store.LoadAccount(m.directoryURL)
	if err != nil {
		return m.recordFailure(name, fmt.Errorf("certmanager: failed to load account: %w", err))
	}

	var clientAcc acmeclient.Account
	clientAcc.DirectoryURL = m.directoryURL
	if acc != nil {
		clientAcc.PrivateKeyPEM = acc.PrivateKey
		clientAcc.AccountURL = acc.AccountURL
	}

	result, err := m.client.Issue(ctx, domains, clientAcc)
	if err != nil {
		return m.recordFailure(name, err)
	}

	if result.AccountKeyPEM != nil {
		if err := m.store.SaveAccount(&storage.Account{
			DirectoryURL: m.directoryURL,
			PrivateKey:   result.AccountKeyPEM,
			AccountURL:   result.AccountURL,
			CreatedAt:    time.Now(),
		}); err != nil {
			return m.recordFailure(name, fmt.Errorf("certmanager: failed to persist new account: %w", err))
		}
	}

	if err := m.persistWithRetry(name, domains, result); err != nil {
		return m.recordFailure(name, err)
	}

	m.mu.Lock()
	mc.KeyPEM = result.KeyPEM
	mc.ChainPEM = result.ChainPEM
	mc.StoredDomains = domains
	mc.NotBefore = result.NotBefore
	mc.NotAfter = result.NotAfter
	mc.IssuerURL = result.IssuerURL
	mc.LastRenewalAt = time.Now()
	mc.Failures = 0
	mc.State = StateValid
	m.mu.Unlock()

	if m.notify != nil {
		m.notify()
	}
	return nil
}

// persistWithRetry retries Storage writes up to 3 times in-memory (§7):
// the certificate is not advertised until persistence succeeds, so a
// restart never loses material the proxy already trusts.
func (m *Manager) persistWithRetry(name string, domains []string, result *acmeclient.IssueResult) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = m.store.SaveCert(name, result.KeyPEM, result.ChainPEM, storage.CertMeta{
			Domains:       domains,
			NotBefore:     result.NotBefore,
			NotAfter:      result.NotAfter,
			IssuerURL:     result.IssuerURL,
			LastRenewalAt: time.Now(),
		})
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("certmanager: failed to persist certificate %s after 3 attempts: %w", name, lastErr)
}

func (m *Manager) recordFailure(name string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mc, ok := m.certs[name]
	if !ok {
		return cause
	}
	mc.Failures++
	mc.NextAttempt = time.Now().Add(backoffDelay(mc.Failures - 1))
	mc.State = StateBackoff

	if m.logger != nil {
		m.logger.Error("certificate issuance failed",
			"name", name,
			"failures", mc.Failures,
			"next_attempt", mc.NextAttempt,
			"error", cause,
		)
	}
	return cause
}
