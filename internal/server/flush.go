package server

import (
	"context"
	"time"
)

// flushLoop periodically appends accumulated traffic deltas to the catalog,
// skipping forwards with no change since the last tick. Runs until the
// server's context is canceled; a final flush happens in shutdown.
func (s *Server) flushLoop() {
	ticker := time.NewTicker(s.cfg.TrafficFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.flushTraffic(s.ctx)
		}
	}
}

func (s *Server) flushTraffic(ctx context.Context) {
	deltas := s.traffic.FlushAll()
	if len(deltas) == 0 {
		return
	}
	now := time.Now()
	for _, d := range deltas {
		if err := s.catalog.AppendTraffic(ctx, d.ForwardID, d.BytesIn, d.BytesOut, now); err != nil {
			s.log.Error("failed to append traffic", "forward", d.ForwardID, "error", err)
		}
	}
}
