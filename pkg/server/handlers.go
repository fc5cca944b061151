package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/framerelay/pkg/hub"
)

// Stats contains server statistics
type Stats struct {
	Hub            hub.Stats `json:"hub"`
	ActiveSessions int64     `json:"active_sessions"`
	SessionsTotal  uint64    `json:"sessions_total"`
	Rejected       uint64    `json:"rejected"`
	Allowed        string    `json:"allowed"`
}

// GetStats returns server and hub statistics
func (s *Server) GetStats() Stats {
	return Stats{
		Hub:            s.hub.GetStats(),
		ActiveSessions: s.activeSessions.Load(),
		SessionsTotal:  s.sessionsTotal.Load(),
		Rejected:       s.rejected.Load(),
		Allowed:        s.filter.String(),
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "ok"
	if !s.hub.IsRunning() {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status":      status,
		"version":     s.cfg.Version,
		"subscribers": s.hub.GetStats().Subscribers,
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.GetStats())
}

func (s *Server) handleMetrics(c *fiber.Ctx) error {
	stats := s.GetStats()
	return c.SendString(fmt.Sprintf(`# HELP framerelay_subscribers Registered viewer count
# TYPE framerelay_subscribers gauge
framerelay_subscribers %d

# HELP framerelay_sessions_active Open WebSocket sessions
# TYPE framerelay_sessions_active gauge
framerelay_sessions_active %d

# HELP framerelay_sessions_total Sessions accepted
# TYPE framerelay_sessions_total counter
framerelay_sessions_total %d

# HELP framerelay_rejected_total Connections refused by the allow-list
# TYPE framerelay_rejected_total counter
framerelay_rejected_total %d

# HELP framerelay_frames_published_total Frames published by devices
# TYPE framerelay_frames_published_total counter
framerelay_frames_published_total %d

# HELP framerelay_deliveries_total Frames queued to viewers
# TYPE framerelay_deliveries_total counter
framerelay_deliveries_total %d

# HELP framerelay_delivery_failures_total Frames dropped for a viewer
# TYPE framerelay_delivery_failures_total counter
framerelay_delivery_failures_total %d

# HELP framerelay_pruned_total Dead viewers removed
# TYPE framerelay_pruned_total counter
framerelay_pruned_total %d
`, stats.Hub.Subscribers, stats.ActiveSessions, stats.SessionsTotal, stats.Rejected,
		stats.Hub.FramesPublished, stats.Hub.Deliveries, stats.Hub.DeliveryFailures, stats.Hub.Pruned))
}
