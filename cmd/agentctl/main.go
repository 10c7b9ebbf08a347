// Command agentctl is a reference agent process: it dials a network
// service, loads any mods the server requires an adapter for, and runs a
// simple logging reaction loop. It exists as a working example of
// internal/runner, the way the teacher's "sentinel agent" subcommand is a
// working example of internal/cluster/agent.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmesh/fabric/internal/agentclient"
	"github.com/openmesh/fabric/internal/config"
	"github.com/openmesh/fabric/internal/connector"
	"github.com/openmesh/fabric/internal/logging"
	"github.com/openmesh/fabric/internal/message"
	"github.com/openmesh/fabric/internal/runner"
	"github.com/openmesh/fabric/internal/transport"
	"github.com/openmesh/fabric/internal/transport/grpcstream"
	"github.com/openmesh/fabric/internal/transport/wsocket"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(os.Getenv("OPENMESH_LOG_JSON") == "true")

	agentID := cfg.NodeID
	if agentID == "" {
		agentID = os.Getenv("OPENMESH_AGENT_ID")
	}
	if agentID == "" {
		fmt.Fprintln(os.Stderr, "agentctl: OPENMESH_NODE_ID or OPENMESH_AGENT_ID must be set")
		os.Exit(1)
	}

	addr := cfg.CoordinatorURL
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	tp, err := buildTransport(cfg)
	if err != nil {
		log.Error("failed to build transport", "error", err)
		os.Exit(1)
	}

	fmt.Println("openmesh agentctl " + version)
	fmt.Printf("agent_id=%s addr=%s transport=%s\n", agentID, addr, cfg.Transport)

	conn := connector.New(tp, addr, log, connector.WithConnectTimeout(cfg.ConnectionTimeout()), connector.WithRequestTimeout(cfg.MessageTimeout()))
	client := agentclient.New(agentID, conn, log)

	hooks := &echoHooks{log: log, client: client}
	r := runner.New(client, conn, hooks, log, runner.WithManifestPath(cfg.ModManifestPath))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := r.Start(ctx, agentID, map[string]any{"kind": "agentctl"}); err != nil {
		log.Error("failed to start runner", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout())
	defer stopCancel()
	if err := r.Stop(stopCtx); err != nil {
		log.Warn("stop error", "error", err)
	}
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportGRPC:
		return grpcstream.New(), nil
	case config.TransportWebsocket:
		var opts []wsocket.Option
		if cfg.EncryptionEnabled && cfg.EncryptionType == "nacl" {
			key, err := hex.DecodeString(cfg.NaclKeyHex)
			if err != nil {
				return nil, fmt.Errorf("decode nacl key: %w", err)
			}
			opts = append(opts, wsocket.WithSealing(key))
		}
		return wsocket.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// echoHooks is the simplest possible Hooks implementation: it logs every
// envelope the reaction loop hands it and does nothing else. A real agent
// replaces React with its own decision logic.
type echoHooks struct {
	log    *logging.Logger
	client *agentclient.Client
}

func (h *echoHooks) Setup(ctx context.Context) error {
	h.log.Info("agent setup complete")
	return nil
}

func (h *echoHooks) Teardown(ctx context.Context) error {
	h.log.Info("agent teardown complete")
	return nil
}

func (h *echoHooks) React(ctx context.Context, threads map[string][]*message.Envelope, threadID string, env *message.Envelope) error {
	h.log.Info("received envelope", "thread_id", threadID, "sender_id", env.SenderID, "message_type", env.MessageType)
	return nil
}
