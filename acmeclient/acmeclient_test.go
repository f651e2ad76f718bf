package acmeclient

import (
	"testing"

	"github.com/caasmo/acmexds/broker"
)

func TestNormalizeDomainsSortsAndDedupes(t *testing.T) {
	got := normalizeDomains([]string{"b.test", "a.test", "b.test"})
	want := []string{"a.test", "b.test"}
	if len(got) != len(want) {
		t.Fatalf("normalizeDomains() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("normalizeDomains() = %v, want %v", got, want)
		}
	}
}

func TestHTTP01ProviderPresentAndCleanUp(t *testing.T) {
	b := broker.New()
	provider := newHTTP01Provider(b)

	if err := provider.Present("a.test", "tok", "tok.thumbprint"); err != nil {
		t.Fatalf("Present: %v", err)
	}
	if ka, ok := b.Lookup("tok"); !ok || ka != "tok.thumbprint" {
		t.Fatalf("Lookup after Present = (%q, %v)", ka, ok)
	}

	if err := provider.CleanUp("a.test", "tok", "tok.thumbprint"); err != nil {
		t.Fatalf("CleanUp: %v", err)
	}
	if _, ok := b.Lookup("tok"); ok {
		t.Fatal("expected broker entry removed after CleanUp")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError(ErrTimeout, "order deadline exceeded", nil)
	if err.Kind.String() != "timeout" {
		t.Fatalf("Kind.String() = %q", err.Kind.String())
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
