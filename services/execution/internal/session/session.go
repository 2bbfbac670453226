package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/translation"
)

// State is the health of one broker connection.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Policy tunes the health state machine. Transitions are deliberately
// asymmetric: a connection degrades quickly but must prove itself with a
// streak of successes before it is trusted again, so a flapping broker does
// not oscillate in and out of the routing pool.
type Policy struct {
	// FailureThreshold consecutive failures, or an error rate above
	// WindowErrorRate across a full outcome window, degrade a healthy
	// connection.
	FailureThreshold int
	WindowSize       int
	WindowErrorRate  float64
	// DownThreshold consecutive failures while degraded mark the connection
	// down.
	DownThreshold int
	// RecoveryThreshold consecutive successes restore a degraded or down
	// connection to healthy.
	RecoveryThreshold int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:  3,
		WindowSize:        20,
		WindowErrorRate:   0.5,
		DownThreshold:     3,
		RecoveryThreshold: 5,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  3 * time.Second,
	}
}

// TransitionFunc observes health state changes. Called outside the session
// lock; the down transition triggers the recovery sweep.
type TransitionFunc func(brokerID string, from, to State)

// Session pairs a broker adapter with its observed health and rate budget.
// Outcomes come from two sources: heartbeat probes and passive observation of
// real order traffic.
type Session struct {
	id      string
	adapter broker.Adapter
	caps    translation.Capabilities
	costBps float64

	limiter    Limiter
	rateLimit  int
	rateWindow time.Duration

	policy       Policy
	logger       *slog.Logger
	onTransition TransitionFunc

	mu            sync.Mutex
	state         State
	consecFail    int
	consecOK      int
	window        []bool
	windowIdx     int
	windowFill    int
	latencyEWMA   float64
	granted       int
	grantReset    time.Time
	lastHeartbeat time.Time
}

type SessionConfig struct {
	ID           string
	Adapter      broker.Adapter
	Capabilities translation.Capabilities
	CostBps      float64
	Limiter      Limiter
	RateLimit    int
	RateWindow   time.Duration
	Policy       Policy
	OnTransition TransitionFunc
}

func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.Policy.WindowSize <= 0 {
		cfg.Policy = DefaultPolicy()
	}
	return &Session{
		id:           cfg.ID,
		adapter:      cfg.Adapter,
		caps:         cfg.Capabilities,
		costBps:      cfg.CostBps,
		limiter:      cfg.Limiter,
		rateLimit:    cfg.RateLimit,
		rateWindow:   cfg.RateWindow,
		policy:       cfg.Policy,
		logger:       logger,
		onTransition: cfg.OnTransition,
		state:        StateHealthy,
		window:       make([]bool, cfg.Policy.WindowSize),
	}
}

func (s *Session) ID() string                             { return s.id }
func (s *Session) Adapter() broker.Adapter                { return s.adapter }
func (s *Session) Capabilities() translation.Capabilities { return s.caps }
func (s *Session) CostBps() float64                       { return s.costBps }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot is a point-in-time view used by routing and the health endpoint.
type Snapshot struct {
	ID           string
	State        State
	LatencyMS    float64
	RateHeadroom float64
	CostBps      float64
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		State:        s.state,
		LatencyMS:    s.latencyEWMA,
		RateHeadroom: s.headroomLocked(time.Now()),
		CostBps:      s.costBps,
	}
}

func (s *Session) headroomLocked(now time.Time) float64 {
	if s.rateLimit <= 0 {
		return 1
	}
	if now.After(s.grantReset) {
		return 1
	}
	used := float64(s.granted) / float64(s.rateLimit)
	if used >= 1 {
		return 0
	}
	return 1 - used
}

// TryAcquire spends one unit of the broker's request budget. A local grant
// counter approximates remaining headroom for routing; the limiter is the
// authority on whether the call may go out.
func (s *Session) TryAcquire(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now()
	allowed, retryAfter, err := s.limiter.Allow(ctx, s.id, now)
	if err != nil {
		return false, 0, err
	}

	s.mu.Lock()
	if now.After(s.grantReset) {
		s.granted = 0
		s.grantReset = now.Add(s.rateWindow)
	}
	if allowed {
		s.granted++
	}
	s.mu.Unlock()

	return allowed, retryAfter, nil
}

// RecordOutcome feeds one observed call result into the health state machine.
func (s *Session) RecordOutcome(ok bool, latency time.Duration) {
	s.mu.Lock()

	s.window[s.windowIdx] = !ok
	s.windowIdx = (s.windowIdx + 1) % len(s.window)
	if s.windowFill < len(s.window) {
		s.windowFill++
	}

	const ewmaAlpha = 0.2
	ms := float64(latency.Milliseconds())
	if s.latencyEWMA == 0 {
		s.latencyEWMA = ms
	} else {
		s.latencyEWMA = ewmaAlpha*ms + (1-ewmaAlpha)*s.latencyEWMA
	}

	if ok {
		s.consecOK++
		s.consecFail = 0
	} else {
		s.consecFail++
		s.consecOK = 0
	}

	from := s.state
	to := s.nextStateLocked()
	s.state = to
	if from != to {
		// streak counters restart at each transition so the degraded->down
		// ladder needs fresh failures
		s.consecFail = 0
		s.consecOK = 0
	}
	s.mu.Unlock()

	if from != to {
		s.logger.Warn("broker session state changed",
			"broker", s.id,
			"from", string(from),
			"to", string(to))
		if s.onTransition != nil {
			s.onTransition(s.id, from, to)
		}
	}
}

func (s *Session) nextStateLocked() State {
	switch s.state {
	case StateHealthy:
		if s.consecFail >= s.policy.FailureThreshold || s.windowErrorRateLocked() > s.policy.WindowErrorRate {
			return StateDegraded
		}
	case StateDegraded:
		if s.consecFail >= s.policy.DownThreshold {
			return StateDown
		}
		if s.consecOK >= s.policy.RecoveryThreshold {
			return StateHealthy
		}
	case StateDown:
		if s.consecOK >= s.policy.RecoveryThreshold {
			return StateHealthy
		}
	}
	return s.state
}

func (s *Session) windowErrorRateLocked() float64 {
	if s.windowFill < len(s.window) {
		return 0
	}
	failures := 0
	for _, failed := range s.window {
		if failed {
			failures++
		}
	}
	return float64(failures) / float64(len(s.window))
}

// Run probes the broker until ctx is cancelled. Probes keep feeding the state
// machine while no order traffic flows, which is how a down broker earns its
// way back.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Session) heartbeat(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.policy.HeartbeatTimeout)
	defer cancel()

	start := time.Now()
	err := s.adapter.Heartbeat(probeCtx)
	latency := time.Since(start)

	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("broker heartbeat failed", "broker", s.id, "error", err)
	}
	s.RecordOutcome(err == nil, latency)
}

// Registry is the set of configured broker sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Register(session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID()] = session
}

func (r *Registry) Get(brokerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[brokerID]
	return session, ok
}

// All returns sessions in stable id order so routing tie-breaks are
// deterministic.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Run starts every session's heartbeat loop and blocks until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, session := range r.All() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Run(ctx)
		}(session)
	}
	wg.Wait()
}
