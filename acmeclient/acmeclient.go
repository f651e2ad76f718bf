// Package acmeclient adapts go-acme/lego into the single `issue` operation
// the certificate manager depends on (§4.3). It is grounded in the teacher
// repo's queue/handlers/AcmeCertRenewal.go and TlsCertRenewal.go, which
// built a lego client against a DNS-01/Cloudflare provider for a one-shot
// renewal job; here the challenge provider is replaced with an HTTP-01
// provider backed by the process-wide challenge broker, and the job is
// reshaped into a reusable adapter invoked by the certificate manager's
// scheduler.
package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/caasmo/acmexds/broker"
)

// ErrorKind discriminates ACME failure categories per §7.
type ErrorKind int

const (
	ErrDirectoryUnreachable ErrorKind = iota
	ErrAccountFailed
	ErrAuthorizationInvalid
	ErrFinalizeFailed
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrDirectoryUnreachable:
		return "directory_unreachable"
	case ErrAccountFailed:
		return "account_failed"
	case ErrAuthorizationInvalid:
		return "authorization_invalid"
	case ErrFinalizeFailed:
		return "finalize_failed"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is the single typed error every adapter failure surfaces as.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acmeclient: %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("acmeclient: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// acmeUser implements lego's registration.User, grounded in the teacher's
// AcmeUser type from queue/handlers/AcmeCertRenewal.go.
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource  { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// Account is the minimal view of persisted account state the adapter
// needs; storage.Account satisfies this via adaptation at the call site.
type Account struct {
	DirectoryURL string
	PrivateKeyPEM []byte // nil if the account has never been registered
	AccountURL    string
}

// IssueResult carries the material produced by a successful order.
type IssueResult struct {
	KeyPEM       []byte
	ChainPEM     []byte
	NotBefore    time.Time
	NotAfter     time.Time
	IssuerURL    string
	AccountURL   string // set when a new account was registered
	AccountKeyPEM []byte // set when a new account key was generated
}

// Client drives ACME orders to completion against a single directory URL,
// publishing HTTP-01 challenges into a shared broker.
type Client struct {
	directoryURL string
	broker       *broker.Broker
	challengeHost string // host:port the HTTP-01 responder listens on, for logging only
	logger       *slog.Logger

	pollInitial time.Duration
	pollFactor  float64
	pollCap     time.Duration
	pollDeadline time.Duration
}

// NewClient constructs a Client for directoryURL, wired to the given
// challenge broker. The whole order is bounded by pollDeadline (120s).
// pollInitial, pollFactor and pollCap are set to 2s, 2 and 30s but are not
// read: authorization and finalize polling is done by lego with its own
// intervals.
func NewClient(directoryURL string, b *broker.Broker, logger *slog.Logger) *Client {
	return &Client{
		directoryURL: directoryURL,
		broker:       b,
		logger:       logger,
		pollInitial:  2 * time.Second,
		pollFactor:   2,
		pollCap:      30 * time.Second,
		pollDeadline: 120 * time.Second,
	}
}

// Issue executes one ACME order end-to-end for domains against acc,
// registering a new account lazily if acc carries no private key.
func (c *Client) Issue(ctx context.Context, domains []string, acc Account) (*IssueResult, error) {
	domains = normalizeDomains(domains)
	if len(domains) == 0 {
		return nil, newError(ErrAccountFailed, "no domains supplied", nil)
	}

	user := &acmeUser{email: fmt.Sprintf("acme-admin@%s", domains[0])}
	var newAccountKeyPEM []byte

	if len(acc.PrivateKeyPEM) > 0 {
		key, err := parseECKey(acc.PrivateKeyPEM)
		if err != nil {
			return nil, newError(ErrAccountFailed, "failed to parse persisted account key", err)
		}
		user.key = key
		if acc.AccountURL != "" {
			user.registration = &registration.Resource{URI: acc.AccountURL}
		}
	} else {
		key, keyPEM, err := newECKey()
		if err != nil {
			return nil, newError(ErrAccountFailed, "failed to generate account key", err)
		}
		user.key = key
		newAccountKeyPEM = keyPEM
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = c.directoryURL
	legoCfg.Certificate.KeyType = certcrypto.EC256

	legoClient, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, newError(ErrDirectoryUnreachable, c.directoryURL, err)
	}

	provider := newHTTP01Provider(c.broker)
	if err := legoClient.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, newError(ErrAccountFailed, "failed to install http-01 provider", err)
	}

	if user.registration == nil {
		reg, err := legoClient.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, newError(ErrAccountFailed, "registration failed", err)
		}
		user.registration = reg
	}

	orderCtx, cancel := context.WithTimeout(ctx, c.pollDeadline)
	defer cancel()

	request := certificate.ObtainRequest{
		Domains: domains,
		Bundle:  true,
	}

	resource, err := obtainWithContext(orderCtx, legoClient, request)
	if err != nil {
		return nil, classifyObtainError(err)
	}

	cert, err := x509.ParseCertificate(firstPEMBlock(resource.Certificate))
	if err != nil {
		return nil, newError(ErrFinalizeFailed, "failed to parse issued leaf certificate", err)
	}

	result := &IssueResult{
		KeyPEM:    resource.PrivateKey,
		ChainPEM:  resource.Certificate,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		IssuerURL: c.directoryURL,
	}
	if newAccountKeyPEM != nil {
		result.AccountKeyPEM = newAccountKeyPEM
		result.AccountURL = user.registration.URI
	}

	return result, nil
}

// obtainWithContext runs legoClient.Certificate.Obtain and maps context
// cancellation/deadline to a Timeout error.
func obtainWithContext(ctx context.Context, legoClient *lego.Client, request certificate.ObtainRequest) (*certificate.Resource, error) {
	type result struct {
		resource *certificate.Resource
		err      error
	}
	done := make(chan result, 1)
	go func() {
		resource, err := legoClient.Certificate.Obtain(request)
		done <- result{resource, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.resource, r.err
	}
}

func classifyObtainError(err error) *Error {
	if err == context.DeadlineExceeded || err == context.Canceled {
		return newError(ErrTimeout, "order deadline exceeded", err)
	}
	return newError(ErrAuthorizationInvalid, "order failed", err)
}

func normalizeDomains(domains []string) []string {
	seen := make(map[string]struct{}, len(domains))
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func newECKey() (crypto.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return key, pemBytes, nil
}

func parseECKey(keyPEM []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("acmeclient: no PEM block found in account key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func firstPEMBlock(chainPEM []byte) []byte {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return chainPEM
	}
	return block.Bytes
}

// newHTTP01Provider returns a lego challenge.Provider that publishes key
// authorizations into the shared broker instead of talking to a DNS
// provider, as the teacher's Cloudflare-backed DNS-01 provider did.
func newHTTP01Provider(b *broker.Broker) challenge.Provider {
	return &http01Provider{broker: b}
}

type http01Provider struct {
	broker *broker.Broker
}

func (p *http01Provider) Present(domain, token, keyAuth string) error {
	p.broker.Put(token, keyAuth)
	return nil
}

func (p *http01Provider) CleanUp(domain, token, keyAuth string) error {
	p.broker.Remove(token)
	return nil
}
