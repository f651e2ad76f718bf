package certmanager

import (
	"testing"
	"time"
)

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{6, 3600 * time.Second}, // 60*2^6=3840, clamped to cap
	}
	for _, c := range cases {
		if got := backoffDelay(c.failures); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.failures, got, c.want)
		}
	}
}

func TestNeedsRenewalLockedOnExpiryBoundary(t *testing.T) {
	now := time.Now()
	notBefore := now.Add(-60 * 24 * time.Hour)
	notAfter := now.Add(30 * 24 * time.Hour) // 90-day cert, window = 30d

	mc := &ManagedCertificate{
		KeyPEM:    []byte("k"),
		ChainPEM:  []byte("c"),
		NotBefore: notBefore,
		NotAfter:  notAfter,
		Domains:   []string{"a.test"},
		StoredDomains: []string{"a.test"},
	}

	// Exactly at now + renewal_window -> must trigger renewal.
	atBoundary := notAfter.Add(-renewalWindow(notBefore, notAfter))
	if !needsRenewalLocked(mc, atBoundary) {
		t.Fatal("expected renewal to trigger exactly at the renewal window boundary")
	}

	beforeWindow := atBoundary.Add(-time.Hour)
	if needsRenewalLocked(mc, beforeWindow) {
		t.Fatal("did not expect renewal before the renewal window")
	}
}

func TestNeedsRenewalOnSANChange(t *testing.T) {
	now := time.Now()
	mc := &ManagedCertificate{
		KeyPEM:        []byte("k"),
		ChainPEM:      []byte("c"),
		NotBefore:     now.Add(-time.Hour),
		NotAfter:      now.Add(89 * 24 * time.Hour),
		Domains:       []string{"a.test", "www.a.test"},
		StoredDomains: []string{"a.test"},
	}

	if !needsRenewalLocked(mc, now) {
		t.Fatal("expected SAN-set change to force renewal even with a fresh certificate")
	}
}

func TestRenewalWindowClampsToFloor(t *testing.T) {
	notBefore := time.Now()
	notAfter := notBefore.Add(3 * 24 * time.Hour) // short-lived cert: 1/3 = 1 day < 7-day floor
	if w := renewalWindow(notBefore, notAfter); w != minRenewalWindow {
		t.Fatalf("renewalWindow() = %v, want floor %v", w, minRenewalWindow)
	}
}
