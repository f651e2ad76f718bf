// Package xdsengine wraps go-control-plane's SnapshotCache into the
// versioned xDS state engine described in §4.6: a single mutable pointer
// to an immutable snapshot, served to LDS/CDS/SDS streams with ACK/NACK
// accounting handled by the upstream cache/server implementation. This
// component has no analogue in the teacher repo; its wiring is grounded in
// the other example repos' manifests (consul-api-gateway, skaffold, haloy,
// homeport) that depend on github.com/envoyproxy/go-control-plane for
// exactly this cache+server pairing.
package xdsengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	listenerv3 "github.com/envoyproxy/go-control-plane/envoy/config/listener/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoverygrpc "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	listenerservice "github.com/envoyproxy/go-control-plane/envoy/service/listener/v3"
	secretservice "github.com/envoyproxy/go-control-plane/envoy/service/secret/v3"
	cachev3 "github.com/envoyproxy/go-control-plane/pkg/cache/v3"
	resourcev3 "github.com/envoyproxy/go-control-plane/pkg/resource/v3"
	serverv3 "github.com/envoyproxy/go-control-plane/pkg/server/v3"
	"google.golang.org/grpc"

	"github.com/caasmo/acmexds/resourcebuilder"
)

// nodeID is the single logical node this control plane serves; the proxy
// is the sole, trusted consumer (no per-tenant node segmentation per
// the Non-goals: a single proxy peer, one process owns storage).
const nodeID = "acmexds-proxy"

// Engine owns the SnapshotCache, the version counter, and the gRPC xDS
// services registered on top of it.
type Engine struct {
	cache   cachev3.SnapshotCache
	version atomic.Int64
	logger  *slog.Logger
}

// New constructs an Engine with no snapshot installed and the version
// counter at 0, so the first Push publishes version 1.
func New(logger *slog.Logger) *Engine {
	e := &Engine{
		cache:  cachev3.NewSnapshotCache(false, cachev3.IDHash{}, nil),
		logger: logger,
	}
	return e
}

// Push installs a new snapshot built from result, incrementing the
// version counter. Coalescing of identical rebuilds is the caller's
// responsibility (resourcebuilder.Result.Digest); Push always publishes.
func (e *Engine) Push(ctx context.Context, result *resourcebuilder.Result) error {
	version := e.version.Add(1)
	versionInfo := fmt.Sprintf("%d", version)

	resources := map[resourcev3.Type][]cachetypesResource{
		resourcev3.ListenerType: toResources(result.Listeners),
		resourcev3.ClusterType:  toResourcesCluster(result.Clusters),
		resourcev3.SecretType:   toResourcesSecret(result.Secrets),
	}

	snapshot, err := cachev3.NewSnapshot(versionInfo, resources)
	if err != nil {
		return fmt.Errorf("xdsengine: failed to build snapshot %s: %w", versionInfo, err)
	}

	if err := e.cache.SetSnapshot(ctx, nodeID, snapshot); err != nil {
		return fmt.Errorf("xdsengine: failed to set snapshot %s: %w", versionInfo, err)
	}

	if e.logger != nil {
		e.logger.Info("xds snapshot published",
			"version", versionInfo,
			"listeners", len(result.Listeners),
			"clusters", len(result.Clusters),
			"secrets", len(result.Secrets),
		)
	}
	return nil
}

// cachetypesResource aliases the cache package's resource interface
// (proto.Message) so this file reads as a single coherent type surface.
type cachetypesResource = cachev3.Resource

func toResources(listeners []*listenerv3.Listener) []cachetypesResource {
	out := make([]cachetypesResource, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, l)
	}
	return out
}

func toResourcesCluster(clusters []*clusterv3.Cluster) []cachetypesResource {
	out := make([]cachetypesResource, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, c)
	}
	return out
}

func toResourcesSecret(secrets []*tlsv3.Secret) []cachetypesResource {
	out := make([]cachetypesResource, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, s)
	}
	return out
}

// Register attaches the three discovery services to grpcServer, with a
// callbacks implementation that logs NACKs per §4.6/§7 without rolling
// back the snapshot.
func (e *Engine) Register(grpcServer *grpc.Server) {
	callbacks := &loggingCallbacks{logger: e.logger}
	xdsServer := serverv3.NewServer(context.Background(), e.cache, callbacks)

	listenerservice.RegisterListenerDiscoveryServiceServer(grpcServer, xdsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, xdsServer)
	secretservice.RegisterSecretDiscoveryServiceServer(grpcServer, xdsServer)
}

// loggingCallbacks implements serverv3.Callbacks, logging NACKs with the
// stream identity, type URL, offending version and error detail (§4.6).
type loggingCallbacks struct {
	logger *slog.Logger
}

func (c *loggingCallbacks) OnStreamOpen(ctx context.Context, id int64, typ string) error {
	return nil
}

func (c *loggingCallbacks) OnStreamClosed(id int64, node *corev3.Node) {}

func (c *loggingCallbacks) OnStreamRequest(id int64, req *discoverygrpc.DiscoveryRequest) error {
	if req.GetErrorDetail() != nil && c.logger != nil {
		c.logger.Warn("xds nack",
			"stream_id", id,
			"type_url", req.GetTypeUrl(),
			"version_info", req.GetVersionInfo(),
			"response_nonce", req.GetResponseNonce(),
			"error_detail", req.GetErrorDetail().GetMessage(),
		)
	}
	return nil
}

func (c *loggingCallbacks) OnStreamResponse(ctx context.Context, id int64, req *discoverygrpc.DiscoveryRequest, resp *discoverygrpc.DiscoveryResponse) {
}

func (c *loggingCallbacks) OnFetchRequest(ctx context.Context, req *discoverygrpc.DiscoveryRequest) error {
	return nil
}

func (c *loggingCallbacks) OnFetchResponse(req *discoverygrpc.DiscoveryRequest, resp *discoverygrpc.DiscoveryResponse) {
}
