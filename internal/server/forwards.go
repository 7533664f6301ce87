package server

import (
	"context"

	"github.com/nullwire/tunnelcore/internal/apperr"
	"github.com/nullwire/tunnelcore/internal/catalog"
)

// findForward looks up the named forward owned by agentID, requiring it to
// have the given direction. Reverse and reverse-dynamic negotiations are
// keyed by proxy name rather than port, since the agent (not the server)
// owns the listening socket; the direction check stops a forward/dynamic
// forward that happens to share a name with a reverse one from being
// dialed as if it were reverse.
func (s *Server) findForward(ctx context.Context, agentID, name string, want catalog.Direction) (*catalog.Forward, error) {
	forwards, err := s.catalog.GetForwardsByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for i := range forwards {
		if forwards[i].Name == name && forwards[i].Direction == want {
			return &forwards[i], nil
		}
	}
	return nil, apperr.NewNotFound("forward not found", name)
}
