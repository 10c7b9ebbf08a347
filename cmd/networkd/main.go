// Command networkd runs a fabric network service: the process agents
// connect to, admission and all. It dispatches on its first argument --
// "server" for a centralized coordinator, "node" for a decentralized
// fabric node -- the same way the teacher's sentinel binary dispatches
// on os.Args[1] between "server" and "agent", stripping the subcommand
// before the rest of flag/env parsing runs.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/openmesh/fabric/internal/config"
	"github.com/openmesh/fabric/internal/events"
	"github.com/openmesh/fabric/internal/identity"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/metrics"
	"github.com/openmesh/fabric/internal/mod"
	"github.com/openmesh/fabric/internal/netfabric"
	"github.com/openmesh/fabric/internal/store"
	"github.com/openmesh/fabric/internal/topology"
	"github.com/openmesh/fabric/internal/transport"
	"github.com/openmesh/fabric/internal/transport/grpcstream"
	"github.com/openmesh/fabric/internal/transport/wsocket"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "server":
			os.Setenv("OPENMESH_MODE", string(config.ModeCentralized))
			os.Args = append(os.Args[:1], os.Args[2:]...)
		case "node":
			os.Setenv("OPENMESH_MODE", string(config.ModeDecentralized))
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(os.Getenv("OPENMESH_LOG_JSON") == "true")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("openmesh fabric " + version)
	fmt.Printf("mode=%s transport=%s addr=%s:%d\n", cfg.Mode, cfg.Transport, cfg.Host, cfg.Port)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer db.Close()

	idMgr, err := identity.New(identity.WithStore(db), identity.WithTTL(cfg.IdentityTTL()))
	if err != nil {
		log.Error("failed to start identity manager", "error", err)
		os.Exit(1)
	}

	sweeper := startIdentitySweeper(idMgr, cfg.IdentityTTL(), log)
	defer sweeper.Stop()

	if cfg.MetricsTextfilePath != "" {
		startMetricsTextfileWriter(cfg.MetricsTextfilePath, log)
	}

	tp, err := buildTransport(cfg)
	if err != nil {
		log.Error("failed to build transport", "error", err)
		os.Exit(1)
	}

	bus := events.New()
	logBusEvents(ctx, bus, log)

	loaded, loadErrs := mod.Load(cfg.Mods, cfg.ModManifestPath)
	for _, le := range loadErrs {
		log.Warn("mod failed to load", "mod", le.ModName, "reason", le.Error())
	}
	for _, l := range loaded {
		log.Info("mod loaded", "mod", l.Name, "server_mod_key", l.ServerModKey, "adapter_key", l.AdapterKey)
	}

	topo, err := buildTopology(cfg, log, tp, db)
	if err != nil {
		log.Error("failed to build topology", "error", err)
		os.Exit(1)
	}

	svc := netfabric.New(
		netfabric.WithConfig(cfg),
		netfabric.WithTransport(tp),
		netfabric.WithTopology(topo),
		netfabric.WithIdentityManager(idMgr),
		netfabric.WithLogger(log),
		netfabric.WithEventBus(bus),
		netfabric.WithMods(loaded),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := svc.Start(ctx, addr); err != nil {
		log.Error("failed to start network service", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, log)
	}

	if dec, ok := topo.(*topology.Decentralized); ok {
		if err := dec.StartPeriodicReannounce(ctx, fmt.Sprintf("@every %s", cfg.DiscoveryInterval())); err != nil {
			log.Warn("periodic reannounce not started", "error", err)
		}
		defer dec.StopPeriodicReannounce()
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout())
	defer shutdownCancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		return grpcstream.New(), nil
	case config.TransportWebsocket:
		opts := []wsocket.Option{
			wsocket.WithHeartbeatInterval(cfg.HeartbeatInterval()),
			wsocket.WithAgentTimeout(cfg.AgentTimeout()),
		}
		if cfg.EncryptionEnabled {
			switch cfg.EncryptionType {
			case "tls":
				var certPEM, keyPEM []byte
				if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
					var err error
					certPEM, err = os.ReadFile(cfg.TLSCertPath)
					if err != nil {
						return nil, fmt.Errorf("read tls cert: %w", err)
					}
					keyPEM, err = os.ReadFile(cfg.TLSKeyPath)
					if err != nil {
						return nil, fmt.Errorf("read tls key: %w", err)
					}
				} else {
					authority, err := wsocket.EnsureTLSAuthority(cfg.TLSAuthorityDir)
					if err != nil {
						return nil, fmt.Errorf("ensure tls authority: %w", err)
					}
					certPEM, keyPEM, err = authority.IssueServerCert()
					if err != nil {
						return nil, fmt.Errorf("issue server cert: %w", err)
					}
				}
				opts = append(opts, wsocket.WithTLS(certPEM, keyPEM))
			case "nacl":
				key, err := hex.DecodeString(cfg.NaclKeyHex)
				if err != nil {
					return nil, fmt.Errorf("decode nacl key: %w", err)
				}
				opts = append(opts, wsocket.WithSealing(key))
			}
		}
		return wsocket.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func buildTopology(cfg *config.Config, log *logging.Logger, tp transport.Transport, db *store.Store) (topology.Directory, error) {
	switch cfg.Mode {
	case config.ModeCentralized:
		return topology.NewCentralized(log, topology.WithDirectoryStore(db)), nil
	case config.ModeDecentralized:
		relay := newGossipRelay(tp)
		neighbors := func() []string { return cfg.BootstrapNodes }
		return topology.NewDecentralized(log, cfg.NodeID, relay, neighbors), nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}

// gossipRelay dials a fresh connection to a neighbor for each announcement
// and sends it as a single gossip frame. Decentralized nodes aren't
// otherwise connected to one another (only agents dial in), so there is
// no persistent peer to reuse here.
type gossipRelay struct {
	tp transport.Transport
}

func newGossipRelay(tp transport.Transport) func(ctx context.Context, neighborAddr string, ann topology.Announcement) error {
	r := &gossipRelay{tp: tp}
	return r.relay
}

func (r *gossipRelay) relay(ctx context.Context, neighborAddr string, ann topology.Announcement) error {
	raw, err := json.Marshal(ann)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	peer, err := r.tp.Dial(ctx, neighborAddr, noopHandler{})
	if err != nil {
		return err
	}
	defer peer.Close()
	return peer.Send(ctx, transport.Frame{Type: transport.FrameGossip, Body: body})
}

// noopHandler discards any response to an outbound gossip relay; the
// relay connection is one-shot and never expects one.
type noopHandler struct{}

func (noopHandler) OnFrame(transport.Peer, transport.Frame) {}
func (noopHandler) OnClose(transport.Peer, error)           {}

// startIdentitySweeper schedules the identity manager's expired-certificate
// sweep on a coarse cron interval (ttl/10), the same ratio the teacher
// applies between its poll interval and its scheduler's granularity,
// instead of a hand-rolled ticker goroutine.
func startIdentitySweeper(mgr *identity.Manager, ttl time.Duration, log *logging.Logger) *cron.Cron {
	c := cron.New()
	interval := ttl / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, mgr.Sweep); err != nil {
		log.Warn("identity sweep not scheduled", "error", err)
		return c
	}
	c.Start()
	return c
}

// startMetricsTextfileWriter refreshes the node_exporter textfile collector
// input every 15s, the same way the teacher refreshes its metrics textfile
// on every scan rather than on a dedicated scheduler entry.
func startMetricsTextfileWriter(path string, log *logging.Logger) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := metrics.WriteTextfile(path); err != nil {
				log.Warn("failed to write metrics textfile", "path", path, "error", err)
			}
		}
	}()
}

func serveMetrics(addr string, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", "error", err)
	}
}

func logBusEvents(ctx context.Context, bus *events.Bus, log *logging.Logger) {
	ch, cancel := bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				log.Info("system event", "type", evt.Type, "agent_id", evt.AgentID, "reason", evt.Reason)
			}
		}
	}()
}
