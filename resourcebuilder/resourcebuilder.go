// Package resourcebuilder merges user-authored listeners/clusters with the
// dynamically injected HTTP-01 challenge route and SDS secret references,
// producing the typed Envoy v3 resources the xDS state engine serves
// (§4.5). Building real go-control-plane resources is new territory for
// this repo's teacher (which never spoke xDS); its shape is grounded in
// the other example repos' manifests that depend on
// github.com/envoyproxy/go-control-plane (consul-api-gateway, skaffold,
// haloy) for the listener/HCM/cluster/SDS wiring pattern used below.
package resourcebuilder

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	listenerv3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	routerv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/router/v3"
	hcmv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/network/http_connection_manager/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/caasmo/acmexds/config"
)

const (
	// AcmeHTTP01ClusterName is the synthetic cluster the injected challenge
	// route points to (§4.5.1).
	AcmeHTTP01ClusterName = "__acme_http01"

	challengePathPrefix = "/.well-known/acme-challenge/"
)

// CertMaterial is the minimal view of a managed certificate's servable
// state the builder needs to emit an SDS secret.
type CertMaterial struct {
	Name     string
	KeyPEM   []byte
	ChainPEM []byte
	Ready    bool
}

// Result is the set of typed resources for one snapshot generation, plus a
// structural hash over their contents so the caller can coalesce
// no-op rebuilds (§4.5: "identical rebuilds are coalesced").
type Result struct {
	Listeners []*listenerv3.Listener
	Clusters  []*clusterv3.Cluster
	Secrets   []*tlsv3.Secret
	Digest    string
}

// Build produces the xDS resources for the given configuration and
// certificate materials. http01ListenAddr/http01ListenPort identify the
// in-process HTTP-01 responder's loopback endpoint, which the synthetic
// cluster points to.
func Build(cfg *config.Config, certs []CertMaterial, http01ListenAddr string, http01ListenPort uint32) (*Result, error) {
	sortedCerts := make([]CertMaterial, len(certs))
	copy(sortedCerts, certs)
	sort.Slice(sortedCerts, func(i, j int) bool { return sortedCerts[i].Name < sortedCerts[j].Name })

	clusters := make([]*clusterv3.Cluster, 0, len(cfg.Envoy.Clusters)+1)
	for _, c := range cfg.Envoy.Clusters {
		clusters = append(clusters, buildCluster(c.Name, c.Address, c.Port))
	}
	clusters = append(clusters, buildCluster(AcmeHTTP01ClusterName, http01ListenAddr, http01ListenPort))

	listeners := make([]*listenerv3.Listener, 0, len(cfg.Envoy.Listeners))
	for _, l := range cfg.Envoy.Listeners {
		lst, err := buildListener(l, cfg.Meta.AcmeChallengePort)
		if err != nil {
			return nil, fmt.Errorf("resourcebuilder: failed to build listener %s: %w", l.Name, err)
		}
		listeners = append(listeners, lst)
	}

	secrets := make([]*tlsv3.Secret, 0, len(sortedCerts))
	for _, c := range sortedCerts {
		if !c.Ready {
			continue // §4.5.3: omit secrets for certificates without material
		}
		secrets = append(secrets, buildSecret(c))
	}

	digest, err := digestOf(listeners, clusters, secrets)
	if err != nil {
		return nil, err
	}

	return &Result{Listeners: listeners, Clusters: clusters, Secrets: secrets, Digest: digest}, nil
}

func buildCluster(name, address string, port uint32) *clusterv3.Cluster {
	return &clusterv3.Cluster{
		Name:           name,
		ConnectTimeout: durationpb.New(defaultConnectTimeout),
		ClusterDiscoveryType: &clusterv3.Cluster_Type{
			Type: clusterv3.Cluster_STRICT_DNS,
		},
		LoadAssignment: &endpointv3.ClusterLoadAssignment{
			ClusterName: name,
			Endpoints: []*endpointv3.LocalityLbEndpoints{{
				LbEndpoints: []*endpointv3.LbEndpoint{{
					HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
						Endpoint: &endpointv3.Endpoint{
							Address: &corev3.Address{
								Address: &corev3.Address_SocketAddress{
									SocketAddress: &corev3.SocketAddress{
										Address: address,
										PortSpecifier: &corev3.SocketAddress_PortValue{
											PortValue: port,
										},
									},
								},
							},
						},
					},
				}},
			}},
		},
	}
}

func buildListener(l config.ListenerConfig, challengePort int) (*listenerv3.Listener, error) {
	routes := buildRoutes(l.Routes)
	if uint32(challengePort) == l.Port {
		routes = append([]*routev3.Route{challengeRoute()}, routes...)
	}

	routeConfig := &routev3.RouteConfiguration{
		Name: l.Name + "-routes",
		VirtualHosts: []*routev3.VirtualHost{{
			Name:    l.Name + "-vhost",
			Domains: []string{"*"},
			Routes:  routes,
		}},
	}

	routerAny, err := anypb.New(&routerv3.Router{})
	if err != nil {
		return nil, err
	}

	hcm := &hcmv3.HttpConnectionManager{
		StatPrefix: l.Name,
		RouteSpecifier: &hcmv3.HttpConnectionManager_RouteConfig{
			RouteConfig: routeConfig,
		},
		HttpFilters: []*hcmv3.HttpFilter{{
			Name:       "envoy.filters.http.router",
			ConfigType: &hcmv3.HttpFilter_TypedConfig{TypedConfig: routerAny},
		}},
	}
	hcmAny, err := anypb.New(hcm)
	if err != nil {
		return nil, err
	}

	filterChain := &listenerv3.FilterChain{
		Filters: []*listenerv3.Filter{{
			Name:       "envoy.filters.network.http_connection_manager",
			ConfigType: &listenerv3.Filter_TypedConfig{TypedConfig: hcmAny},
		}},
	}

	if l.TLSSecretName != "" {
		transportSocket, err := buildDownstreamTLS(l.TLSSecretName)
		if err != nil {
			return nil, err
		}
		filterChain.TransportSocket = transportSocket
	}

	return &listenerv3.Listener{
		Name: l.Name,
		Address: &corev3.Address{
			Address: &corev3.Address_SocketAddress{
				SocketAddress: &corev3.SocketAddress{
					Address: l.Address,
					PortSpecifier: &corev3.SocketAddress_PortValue{
						PortValue: l.Port,
					},
				},
			},
		},
		FilterChains: []*listenerv3.FilterChain{filterChain},
	}, nil
}

func buildRoutes(routes []config.RouteConfig) []*routev3.Route {
	out := make([]*routev3.Route, 0, len(routes))
	for _, r := range routes {
		out = append(out, &routev3.Route{
			Match: &routev3.RouteMatch{
				PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: r.PathPrefix},
			},
			Action: &routev3.Route_Route{
				Route: &routev3.RouteAction{
					ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: r.Cluster},
				},
			},
		})
	}
	return out
}

// challengeRoute is prepended, never appended, so it always takes
// precedence over user routes matching the same prefix (§4.5.1).
func challengeRoute() *routev3.Route {
	return &routev3.Route{
		Match: &routev3.RouteMatch{
			PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: challengePathPrefix},
		},
		Action: &routev3.Route_Route{
			Route: &routev3.RouteAction{
				ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: AcmeHTTP01ClusterName},
			},
		},
	}
}

func buildDownstreamTLS(secretName string) (*corev3.TransportSocket, error) {
	tlsContext := &tlsv3.DownstreamTlsContext{
		CommonTlsContext: &tlsv3.CommonTlsContext{
			TlsCertificateSdsSecretConfigs: []*tlsv3.SdsSecretConfig{{
				Name: secretName,
			}},
		},
	}
	tlsAny, err := anypb.New(tlsContext)
	if err != nil {
		return nil, err
	}
	return &corev3.TransportSocket{
		Name:       "envoy.transport_sockets.tls",
		ConfigType: &corev3.TransportSocket_TypedConfig{TypedConfig: tlsAny},
	}, nil
}

func buildSecret(c CertMaterial) *tlsv3.Secret {
	return &tlsv3.Secret{
		Name: c.Name,
		Type: &tlsv3.Secret_TlsCertificate{
			TlsCertificate: &tlsv3.TlsCertificate{
				CertificateChain: &corev3.DataSource{
					Specifier: &corev3.DataSource_InlineBytes{InlineBytes: c.ChainPEM},
				},
				PrivateKey: &corev3.DataSource{
					Specifier: &corev3.DataSource_InlineBytes{InlineBytes: c.KeyPEM},
				},
			},
		},
	}
}

const defaultConnectTimeout = 5 * time.Second

func digestOf(listeners []*listenerv3.Listener, clusters []*clusterv3.Cluster, secrets []*tlsv3.Secret) (string, error) {
	var buf bytes.Buffer
	for _, l := range listeners {
		b, err := proto.Marshal(l)
		if err != nil {
			return "", err
		}
		buf.Write(b)
	}
	for _, c := range clusters {
		b, err := proto.Marshal(c)
		if err != nil {
			return "", err
		}
		buf.Write(b)
	}
	for _, s := range secrets {
		b, err := proto.Marshal(s)
		if err != nil {
			return "", err
		}
		buf.Write(b)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}
