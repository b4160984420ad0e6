package remote

import (
	"context"
	"log/slog"
	"time"
)

// Listener receives connectivity transitions.
type Listener interface {
	ConnectivityChanged(online bool)
}

// Pinger is the check a Prober runs on every tick.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober turns periodic health checks into connectivity events. It reports
// only transitions, plus the first observation.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProber creates a Prober. If interval is <= 0, it defaults to 30s.
func NewProber(p Pinger, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
	}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context, l Listener) {
	var known, last bool
	for {
		online := p.ProbeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if !known || online != last {
			p.logger.Info("connectivity probe", "online", online)
			l.ConnectivityChanged(online)
			known, last = true, online
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

// ProbeOnce runs a single check and reports whether it succeeded.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(ctx); err != nil {
		p.logger.Debug("connectivity probe failed", "error", err)
		return false
	}
	return true
}
