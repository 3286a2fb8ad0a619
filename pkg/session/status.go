package session

import (
	"fmt"

	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/transcript"
)

// Status is a snapshot for status lines.
type Status struct {
	State     connection.State
	Attempts  int
	Ceiling   int
	Exhausted bool
	Indicator transcript.Indicator
}

// Status returns the current connection and indicator state.
func (s *Session) Status() Status {
	return Status{
		State:     s.manager.State(),
		Attempts:  s.manager.Attempts(),
		Ceiling:   s.manager.Ceiling(),
		Exhausted: s.manager.Exhausted(),
		Indicator: s.transcript.Indicator(),
	}
}

// Label describes the connection for display.
func (st Status) Label() string {
	switch {
	case st.Exhausted:
		return "offline"
	case st.State == connection.Open:
		return "online"
	case st.State == connection.Connecting && st.Attempts > 0:
		return fmt.Sprintf("reconnecting (%d/%d)", st.Attempts, st.Ceiling)
	case st.State == connection.Connecting:
		return "connecting"
	case st.State == connection.Closed && st.Attempts > 0:
		return fmt.Sprintf("disconnected, retrying (%d/%d)", st.Attempts, st.Ceiling)
	case st.State == connection.Closed:
		return "disconnected"
	default:
		return "idle"
	}
}

// Health reports the session for the metrics server's /health endpoint.
func (s *Session) Health() metrics.Health {
	st := s.Status()
	h := metrics.Health{
		Status:            metrics.HealthDegraded,
		Connection:        st.Label(),
		State:             st.State.String(),
		ReconnectAttempts: st.Attempts,
		ReconnectCeiling:  st.Ceiling,
		Indicator:         st.Indicator.String(),
	}
	switch {
	case st.Exhausted:
		h.Status = metrics.HealthOffline
	case st.State == connection.Open:
		h.Status = metrics.HealthOK
	}
	return h
}
