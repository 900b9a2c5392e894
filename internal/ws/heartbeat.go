package ws

import "time"

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to sweep connections (default: 30s)
	Timeout  time.Duration // extra silence tolerated after Interval (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat sweeps the server's connections every Interval until the
// server shuts down. It returns immediately.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections evicts connections silent for longer than
// Interval+Timeout; eviction starts the room grace period for their user.
// Connections silent for at least one Interval get a protocol ping (opcode
// 0x9) so that a browser's automatic pong refreshes their activity. Busy
// connections are left alone. It returns the number of evictions.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastSeen())
		switch {
		case idle > deadline:
			server.logger.Info("heartbeat timeout",
				"conn_id", c.ID, "user_id", c.UserID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			evicted++
		case idle >= config.Interval:
			if err := c.WritePing(); err != nil {
				server.logger.Info("heartbeat ping failed", "conn_id", c.ID, "user_id", c.UserID, "error", err)
				server.RemoveConnection(c)
				evicted++
			}
		}
	}
	return evicted
}
