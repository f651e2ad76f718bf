package resourcebuilder

import (
	"testing"

	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	hcmv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	"google.golang.org/protobuf/proto"

	"github.com/caasmo/acmexds/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Meta: config.Meta{AcmeChallengePort: 80},
		Envoy: config.Envoy{
			Listeners: []config.ListenerConfig{
				{
					Name:    "plaintext",
					Address: "0.0.0.0",
					Port:    80,
					Routes:  []config.RouteConfig{{PathPrefix: "/api", Cluster: "backend"}},
				},
				{
					Name:    "tls",
					Address: "0.0.0.0",
					Port:    8443,
					Routes:  []config.RouteConfig{{PathPrefix: "/", Cluster: "backend"}},
					TLSSecretName: "a",
				},
			},
			Clusters: []config.ClusterConfig{
				{Name: "backend", Address: "127.0.0.1", Port: 9000},
			},
		},
	}
}

func extractRouteConfig(t *testing.T, hcmAny proto.Message) *routev3.RouteConfiguration {
	t.Helper()
	hcm, ok := hcmAny.(*hcmv3.HttpConnectionManager)
	if !ok {
		t.Fatalf("expected *HttpConnectionManager, got %T", hcmAny)
	}
	rc, ok := hcm.GetRouteSpecifier().(*hcmv3.HttpConnectionManager_RouteConfig)
	if !ok {
		t.Fatalf("expected inline RouteConfig")
	}
	return rc.RouteConfig
}

func TestBuildInjectsChallengeRouteOnPort80Only(t *testing.T) {
	cfg := testConfig()

	result, err := Build(cfg, nil, "127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Listeners) != 2 {
		t.Fatalf("expected 2 listeners, got %d", len(result.Listeners))
	}

	var plaintext, tlsListener *routev3.RouteConfiguration
	for _, l := range result.Listeners {
		hcmAny, err := l.FilterChains[0].Filters[0].GetTypedConfig().UnmarshalNew()
		if err != nil {
			t.Fatalf("UnmarshalNew: %v", err)
		}
		rc := extractRouteConfig(t, hcmAny)
		switch l.Name {
		case "plaintext":
			plaintext = rc
		case "tls":
			tlsListener = rc
		}
	}

	if plaintext == nil || tlsListener == nil {
		t.Fatal("missing expected listeners")
	}

	if got := plaintext.VirtualHosts[0].Routes[0].Match.GetPrefix(); got != challengePathPrefix {
		t.Fatalf("port-80 listener's first route = %q, want challenge prefix", got)
	}
	if len(plaintext.VirtualHosts[0].Routes) != 2 {
		t.Fatalf("expected challenge route prepended ahead of the user route, got %d routes", len(plaintext.VirtualHosts[0].Routes))
	}

	if got := tlsListener.VirtualHosts[0].Routes[0].Match.GetPrefix(); got != "/" {
		t.Fatalf("non-80 listener was mutated: first route = %q", got)
	}
}

func TestBuildOmitsSecretsForCertsWithoutMaterial(t *testing.T) {
	cfg := testConfig()
	certs := []CertMaterial{
		{Name: "a", Ready: false},
		{Name: "b", KeyPEM: []byte("k"), ChainPEM: []byte("c"), Ready: true},
	}

	result, err := Build(cfg, certs, "127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(result.Secrets) != 1 || result.Secrets[0].Name != "b" {
		t.Fatalf("expected only cert b's secret emitted, got %+v", result.Secrets)
	}
}

func TestBuildAppendsSyntheticCluster(t *testing.T) {
	cfg := testConfig()

	result, err := Build(cfg, nil, "127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var found bool
	for _, c := range result.Clusters {
		if c.Name == AcmeHTTP01ClusterName {
			found = true
		}
	}
	if !found {
		t.Fatal("expected synthetic __acme_http01 cluster to be appended")
	}
}

func TestDigestIsStableAcrossIdenticalBuilds(t *testing.T) {
	cfg := testConfig()

	r1, err := Build(cfg, nil, "127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r2, err := Build(cfg, nil, "127.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r1.Digest != r2.Digest {
		t.Fatalf("expected identical builds to produce identical digests: %q vs %q", r1.Digest, r2.Digest)
	}
}
