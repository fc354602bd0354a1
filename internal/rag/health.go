package rag

import (
	"context"
	"fmt"
	"net"
	"time"
)

type HealthState string

const (
	HealthUnconfigured        HealthState = "unconfigured"
	HealthConfiguredUnhealthy HealthState = "configured_unhealthy"
	HealthConfiguredHealthy   HealthState = "configured_healthy"
)

type Health struct {
	State    HealthState `json:"state"`
	Provider string      `json:"provider"`
	Host     string      `json:"host,omitempty"`
	Port     int         `json:"port,omitempty"`
	Error    string      `json:"error,omitempty"`
}

const healthProbeTimeout = 2 * time.Second

// Health probes the configured backend with a TCP dial. No configuration
// means unconfigured, never unhealthy.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Provider: s.cfg.Provider, Host: s.cfg.Host, Port: s.cfg.Port}
	if s.cfg.Host == "" || s.cfg.Port == 0 {
		h.State = HealthUnconfigured
		return h
	}
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	d := net.Dialer{Timeout: healthProbeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		h.State = HealthConfiguredUnhealthy
		h.Error = err.Error()
		return h
	}
	conn.Close()
	h.State = HealthConfiguredHealthy
	return h
}
