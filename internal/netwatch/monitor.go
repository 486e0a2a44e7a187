// Package netwatch watches network connectivity and reports transitions.
package netwatch

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/telemetry"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 2 * time.Second
	// DefaultAddress is a public DNS resolver reachable over TCP.
	DefaultAddress = "1.1.1.1:53"
)

// Prober checks connectivity once.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// DialProber reports the network as up when a TCP connection to Address succeeds.
type DialProber struct {
	Address string
	Timeout time.Duration
	Dialer  net.Dialer
}

func (p *DialProber) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.Dialer.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", p.Address, err)
	}

	return conn.Close()
}

// Listener receives connectivity transitions.
type Listener interface {
	ConnectivityLost(ctx context.Context)
	ConnectivityRestored(ctx context.Context)
}

// Monitor polls a Prober and notifies its Listener only when the state flips.
type Monitor struct {
	prober    Prober
	listener  Listener
	interval  time.Duration
	telemetry *telemetry.Telemetry

	online bool
}

// NewMonitor creates a monitor that assumes the network is up until a probe fails.
func NewMonitor(prober Prober, listener Listener, interval time.Duration, tel *telemetry.Telemetry) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		prober:    prober,
		listener:  listener,
		interval:  interval,
		telemetry: tel,
		online:    true,
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("watching network connectivity", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down network monitor")

			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Online reports the last observed state. It is only meaningful from the Run goroutine.
func (m *Monitor) Online() bool {
	return m.online
}

func (m *Monitor) check(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	if online == m.online {
		return
	}

	m.online = online
	m.telemetry.SetNetworkOnline(ctx, online)

	logger := logctx.LoggerFromContext(ctx)

	if online {
		logger.Info("network connectivity restored")
		m.listener.ConnectivityRestored(ctx)

		return
	}

	logger.Warn("network connectivity lost", "err", err)
	m.listener.ConnectivityLost(ctx)
}
