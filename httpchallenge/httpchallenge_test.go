package httpchallenge

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caasmo/acmexds/broker"
)

func TestServeChallengeHitAndMiss(t *testing.T) {
	b := broker.New()
	b.Put("tok-1", "tok-1.thumbprint")

	handler := New(b, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/tok-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "tok-1.thumbprint" {
		t.Fatalf("body = %q, want key authorization", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/unknown", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown token", rec.Code)
	}
}
