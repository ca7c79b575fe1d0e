package ws

import (
	"log"
	"time"
)

// Timings groups every interval the core schedules on. Tests compress
// them; production uses DefaultTimings.
type Timings struct {
	// PingInterval is the write pump's transport-level ping cadence.
	PingInterval time.Duration
	// AuthDeadline bounds how long an unauthenticated connection may
	// stay open.
	AuthDeadline time.Duration
	// SweepInterval is the global liveness scan cadence.
	SweepInterval time.Duration
	// WarnAfter is the idle age at which the sweep sends a preventive
	// ping.
	WarnAfter time.Duration
	// StaleAfter is the idle age at which the sweep probes the
	// connection and arms the eviction timer.
	StaleAfter time.Duration
	// ProbeWait is how long a probed connection has to show activity
	// before it is evicted.
	ProbeWait time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		PingInterval:  30 * time.Second,
		AuthDeadline:  30 * time.Second,
		SweepInterval: 45 * time.Second,
		WarnAfter:     90 * time.Second,
		StaleAfter:    120 * time.Second,
		ProbeWait:     10 * time.Second,
	}
}

type sweepAction int

const (
	actionNone sweepAction = iota
	actionWarn
	actionProbe
)

// classifyIdle decides what the sweep does with a connection idle for
// the given duration. Two thresholds: a warning ping for merely slow
// connections, a probe-with-timeout for ones presumed dead.
func classifyIdle(idle time.Duration, t Timings) sweepAction {
	switch {
	case idle > t.StaleAfter:
		return actionProbe
	case idle > t.WarnAfter:
		return actionWarn
	default:
		return actionNone
	}
}

// Monitor is the global liveness sweep. The write pump's per-connection
// pings handle the common case; the sweep catches connections whose
// pongs stopped coming back, which a ping ticker alone never notices.
type Monitor struct {
	gateway *Gateway
	timings Timings
	log     *log.Logger
	stop    chan struct{}
	done    chan struct{}
}

func newMonitor(g *Gateway, timings Timings, logger *log.Logger) *Monitor {
	return &Monitor{
		gateway: g,
		timings: timings,
		log:     logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (m *Monitor) Run() {
	ticker := time.NewTicker(m.timings.SweepInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stop:
			return
		}
	}
}

func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) sweep(now time.Time) {
	for _, s := range m.gateway.registry.Sessions() {
		if s.currentState() == stateClosed {
			continue
		}

		switch classifyIdle(now.Sub(s.LastSeen()), m.timings) {
		case actionWarn:
			s.ping()
		case actionProbe:
			m.probe(s)
		}
	}
}

// probe pings a presumed-dead connection and evicts it unless lastSeen
// advances within ProbeWait. At most one probe is armed per session.
func (m *Monitor) probe(s *Session) {
	if !s.probePending.CompareAndSwap(false, true) {
		return
	}

	m.log.Printf("probing stale connection %s", s.ConnectionId)
	s.ping()

	sentAt := time.Now()
	time.AfterFunc(m.timings.ProbeWait, func() {
		if s.currentState() == stateClosed {
			return
		}

		if s.LastSeen().After(sentAt) {
			return
		}

		m.log.Printf("evicting unresponsive connection %s", s.ConnectionId)
		m.gateway.teardown(s, CloseHeartbeatTimeout, "heartbeat timeout")
	})
}
