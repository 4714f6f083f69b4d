// Package health probes backend reachability and publishes the result as
// gauges.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pires/go-proxyproto"
	"github.com/prometheus/client_golang/prometheus"

	"wsgate/internal/shared/logger"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// Result is the outcome of probing one address.
type Result struct {
	Status  Status
	Latency time.Duration
	Err     error
}

// Checker probes backend addresses.
type Checker struct {
	// SendProxyHeader makes every probe open with a PROXY v2 LOCAL header,
	// for backends that reject connections without one.
	SendProxyHeader bool

	dialer  *net.Dialer
	up      *prometheus.GaugeVec
	latency *prometheus.GaugeVec
}

// localHeader marks a connection the proxy opened on its own behalf.
var localHeader = &proxyproto.Header{
	Version:           2,
	Command:           proxyproto.LOCAL,
	TransportProtocol: proxyproto.UNSPEC,
}

// New returns a Checker whose probes time out after timeout. A nil reg
// leaves the gauges unregistered.
func New(timeout time.Duration, reg prometheus.Registerer) *Checker {
	c := &Checker{
		dialer: &net.Dialer{Timeout: timeout},
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsgate",
			Name:      "backend_up",
			Help:      "1 when the last probe could connect to the backend.",
		}, []string{"backend"}),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wsgate",
			Name:      "backend_dial_latency_seconds",
			Help:      "Connect time of the last successful probe.",
		}, []string{"backend"}),
	}
	if reg != nil {
		reg.MustRegister(c.up, c.latency)
	}
	return c
}

// Check probes addrs concurrently and returns the status of each.
func (c *Checker) Check(ctx context.Context, addrs []string) map[string]Result {
	results := make(map[string]Result, len(addrs))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			start := time.Now()
			err := c.probe(ctx, addr)
			res := Result{Status: StatusDown, Err: err}
			logFields := logger.Debug().Str("backend", addr)
			if err == nil {
				res.Status = StatusUp
				res.Latency = time.Since(start)
				c.up.WithLabelValues(addr).Set(1)
				c.latency.WithLabelValues(addr).Set(res.Latency.Seconds())
				logFields.Bool("success", true).Dur("latency", res.Latency).Msg("HealthCheck: Check passed.")
			} else {
				c.up.WithLabelValues(addr).Set(0)
				logFields.Bool("success", false).Err(err).Msg("HealthCheck: Check failed.")
			}

			mu.Lock()
			results[addr] = res
			mu.Unlock()
		}(addr)
	}

	wg.Wait()
	return results
}

// Run checks once right away and then every interval until ctx is done,
// logging status changes.
func (c *Checker) Run(ctx context.Context, addrs []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := make(map[string]Status, len(addrs))
	for {
		for addr, res := range c.Check(ctx, addrs) {
			if last[addr] != res.Status {
				logger.Info().Str("backend", addr).Str("new_status", res.Status.String()).
					Msg("Backend health status changed.")
				last[addr] = res.Status
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) probe(ctx context.Context, addr string) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if c.SendProxyHeader {
		if _, err := localHeader.WriteTo(conn); err != nil {
			return err
		}
	}
	return nil
}
