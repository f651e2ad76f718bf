// Package app wires together every component described in §4 into one
// running process: Storage, the Challenge Broker, the ACME Client
// Adapter, the Certificate Manager and its scheduler, the Resource
// Builder, the xDS State Engine, the Unix-socket Transport, and the
// in-process HTTP-01 responder. The wiring style — explicit construction
// of each dependency, handed into the next, with no package-level
// singletons — follows the teacher repo's core.App composition (see
// core/app.go in the original source), generalised from that app's
// db/router/cache trio to this domain's components.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/caasmo/acmexds/acmeclient"
	"github.com/caasmo/acmexds/broker"
	"github.com/caasmo/acmexds/certmanager"
	"github.com/caasmo/acmexds/config"
	"github.com/caasmo/acmexds/httpchallenge"
	"github.com/caasmo/acmexds/resourcebuilder"
	"github.com/caasmo/acmexds/server"
	"github.com/caasmo/acmexds/storage"
	"github.com/caasmo/acmexds/transport"
	"github.com/caasmo/acmexds/xdsengine"
)

// http01LoopbackAddr is where the in-process HTTP-01 responder listens;
// the synthetic __acme_http01 cluster in every emitted snapshot points
// here.
const http01LoopbackAddr = "127.0.0.1:0"

// App owns every long-lived component for one process lifetime.
type App struct {
	logger *slog.Logger

	configProvider *config.Provider
	store          *storage.Storage
	broker         *broker.Broker
	acmeClient     *acmeclient.Client
	manager        *certmanager.Manager
	scheduler      *certmanager.Scheduler
	engine         *xdsengine.Engine
	httpChallenge  *httpchallenge.Server
	transportSrv   *transport.Server
	srv            *server.Server

	rebuildMu  sync.Mutex
	configPath string
}

// New constructs every component from cfg but does not start anything.
// configPath is retained so SIGHUP can re-read the file it came from.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*App, error) {
	provider := config.NewProvider(cfg)

	store, err := storage.New(cfg.Meta.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open storage: %w", err)
	}

	b := broker.New()
	acmeClient := acmeclient.NewClient(cfg.Meta.AcmeDirectoryURL, b, logger)

	a := &App{
		logger:         logger,
		configProvider: provider,
		store:          store,
		broker:         b,
		acmeClient:     acmeClient,
		configPath:     configPath,
	}

	a.manager = certmanager.New(store, acmeClient, cfg.Meta.AcmeDirectoryURL, a.onCertificateChanged, logger)

	specs := make([]certmanager.CertificateSpec, 0, len(cfg.Certificates))
	for _, c := range cfg.Certificates {
		specs = append(specs, certmanager.CertificateSpec{Name: c.Name, Domains: c.Domains})
	}
	if err := a.manager.LoadFromStorage(specs); err != nil {
		return nil, fmt.Errorf("app: failed to load certificates from storage: %w", err)
	}

	a.scheduler = certmanager.NewScheduler(a.manager, 10*time.Second, cfg.Meta.SchedulerConcurrency, logger)
	a.engine = xdsengine.New(logger)
	a.httpChallenge = httpchallenge.NewServer(http01LoopbackAddr, b, logger)

	socketMode, err := cfg.Meta.SocketMode()
	if err != nil {
		return nil, err
	}
	a.transportSrv = transport.New(cfg.Meta.SocketPath, socketMode, a.engine.Register, logger)

	a.srv = server.NewServer(logger, a.reload, cfg.Meta.ShutdownDrain.Duration)
	// Start order matters: the HTTP-01 responder must be listening before
	// the scheduler can drive any order to a successful challenge. Run
	// pushes the initial snapshot before any of these daemons starts; the
	// snapshot cache holds it until a proxy stream connects.
	a.srv.AddDaemon(a.httpChallenge)
	a.srv.AddDaemon(a.transportSrv)
	a.srv.AddDaemon(a.scheduler)

	return a, nil
}

// Run starts every daemon and blocks until shutdown, returning the
// process exit code (§6: 0 normal shutdown, 1 unexpected runtime error).
func (a *App) Run() int {
	// Publish an initial snapshot before the scheduler's first tick so the
	// proxy has something to warm from immediately, even before any
	// certificate issuance completes.
	if err := a.rebuildSnapshot(context.Background()); err != nil {
		a.logger.Error("initial snapshot build failed", "error", err)
	}
	return a.srv.Run()
}

// onCertificateChanged is the certmanager.NotifyFunc: it triggers a
// synchronous snapshot rebuild whenever persisted certificate material
// changes (§4.4).
func (a *App) onCertificateChanged() {
	if err := a.rebuildSnapshot(context.Background()); err != nil {
		a.logger.Error("snapshot rebuild failed", "error", err)
	}
}

func (a *App) rebuildSnapshot(ctx context.Context) error {
	a.rebuildMu.Lock()
	defer a.rebuildMu.Unlock()

	cfg := a.configProvider.Get()

	certs := a.manager.Snapshot()
	materials := make([]resourcebuilder.CertMaterial, 0, len(certs))
	for _, c := range certs {
		materials = append(materials, resourcebuilder.CertMaterial{
			Name:     c.Name,
			KeyPEM:   c.KeyPEM,
			ChainPEM: c.ChainPEM,
			Ready:    c.HasMaterial(),
		})
	}

	host, port, err := splitHostPort(a.httpChallenge.Addr())
	if err != nil {
		return fmt.Errorf("app: failed to parse http-01 responder address: %w", err)
	}

	result, err := resourcebuilder.Build(cfg, materials, host, port)
	if err != nil {
		return fmt.Errorf("app: failed to build resources: %w", err)
	}

	return a.engine.Push(ctx, result)
}

func splitHostPort(addr string) (string, uint32, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return host, uint32(port), nil
}

// reload re-reads the configuration file from disk and swaps it into the
// provider on success, invoked from the server's SIGHUP handler. The next
// snapshot build uses the new Envoy listener/cluster section and
// meta.acme_challenge_port. The certificate list is not re-applied: the
// manager keeps the set loaded at startup. The other meta settings, such
// as meta.storage_dir and meta.socket_path, take effect only on restart.
func (a *App) reload() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.configProvider.Update(cfg)
	return a.rebuildSnapshot(context.Background())
}
