package netfabric

import (
	"context"
	"time"

	"github.com/openmesh/fabric/internal/events"
	"github.com/openmesh/fabric/internal/metrics"
	"github.com/openmesh/fabric/internal/netfabric/errs"
	"github.com/openmesh/fabric/internal/transport"
)

const (
	cmdListAgents   = "list_agents"
	cmdListMods     = "list_mods"
	cmdClaimAgentID = "claim_agent_id"
)

type systemRequestBody struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args"`
}

// handleSystemRequest answers the three wire-level system commands (spec
// §6); responses return on the same connection with the request's
// correlation id.
func (s *Service) handleSystemRequest(ctx context.Context, peer transport.Peer, f transport.Frame) {
	var body systemRequestBody
	if err := decodeBody(f.Body, &body); err != nil {
		s.respondSystem(ctx, peer, f.RequestID, false, nil, errs.Code(errs.ErrBadEnvelope))
		return
	}

	switch body.Command {
	case cmdListAgents:
		s.respondSystem(ctx, peer, f.RequestID, true, s.listAgents(), "")
	case cmdListMods:
		s.respondSystem(ctx, peer, f.RequestID, true, s.listMods(), "")
	case cmdClaimAgentID:
		s.handleClaimAgentID(ctx, peer, f.RequestID, body.Args)
	default:
		s.respondSystem(ctx, peer, f.RequestID, false, nil, "UnknownCommand")
	}
}

func (s *Service) listAgents() []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, map[string]any{
			"agent_id":     id,
			"metadata":     rec.Metadata,
			"capabilities": rec.Metadata["capabilities"],
			"connected":    true,
		})
	}
	return out
}

func (s *Service) listMods() []map[string]any {
	out := make([]map[string]any, 0, len(s.mods))
	for _, m := range s.mods {
		out = append(out, map[string]any{
			"name":             m.Name,
			"version":          "",
			"requires_adapter": m.Adapter != nil,
		})
	}
	return out
}

func (s *Service) handleClaimAgentID(ctx context.Context, peer transport.Peer, requestID string, args map[string]any) {
	agentID, _ := args["agent_id"].(string)
	if agentID == "" {
		s.respondSystem(ctx, peer, requestID, false, nil, errs.Code(errs.ErrBadEnvelope))
		return
	}

	cert, err := s.identity.Claim(agentID, false)
	if err != nil {
		s.respondSystem(ctx, peer, requestID, false, nil, errs.Code(errs.ErrIdentityServerUnavailable))
		return
	}
	if cert == nil {
		metrics.IdentityClaims.WithLabelValues("rejected").Inc()
		s.respondSystem(ctx, peer, requestID, false, nil, errs.Code(errs.ErrAgentIDInUse))
		return
	}

	metrics.IdentityClaims.WithLabelValues("issued").Inc()
	s.bus.Publish(events.SystemEvent{Type: events.EventIdentityClaimed, AgentID: agentID, Timestamp: time.Now()})
	certMap, _ := toMap(cert)
	s.respondSystem(ctx, peer, requestID, true, certMap, "")
}

func (s *Service) respondSystem(ctx context.Context, peer transport.Peer, requestID string, ok bool, data any, errCode string) {
	body := map[string]any{"ok": ok}
	if ok {
		body["data"] = data
	} else {
		body["error"] = errCode
	}
	_ = peer.Send(ctx, transport.Frame{Type: transport.FrameSystemResponse, RequestID: requestID, Body: body})
}
