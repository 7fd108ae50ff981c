package streaming

import (
	"sync"
	"time"

	"github.com/vllm-studio/reason-proxy/internal/dialect"
	"github.com/vllm-studio/reason-proxy/internal/logger"
	"github.com/vllm-studio/reason-proxy/internal/metrics"
)

const (
	defaultTTL            = 2 * time.Minute
	defaultSweepInterval  = 30 * time.Second
	defaultMaxBufferBytes = 256 * 1024
	defaultMaxTotalBytes  = 64 * 1024 * 1024
)

// RegistryOptions bound session lifetime and memory.
type RegistryOptions struct {
	// TTL evicts a session this long after its last fragment.
	TTL time.Duration

	// SweepInterval is how often the reaper runs.
	SweepInterval time.Duration

	// MaxBufferBytes caps withheld text per choice machine.
	MaxBufferBytes int

	// MaxTotalBytes is the aggregate withheld-byte level past which the
	// reaper evicts with a quarter of the normal TTL.
	MaxTotalBytes int64
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaultSweepInterval
	}
	if o.MaxBufferBytes <= 0 {
		o.MaxBufferBytes = defaultMaxBufferBytes
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = defaultMaxTotalBytes
	}
	return o
}

// Registry owns all live sessions. Streams that end cleanly are removed by
// End; a background reaper collects the ones whose connection died without
// a terminal signal, since their buffers would otherwise live forever.
type Registry struct {
	opts RegistryOptions
	log  *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	created int64
	ended   int64
	evicted int64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry builds a registry and starts its reaper.
func NewRegistry(opts RegistryOptions, log *logger.Logger) *Registry {
	r := &Registry{
		opts:     opts.withDefaults(),
		log:      log.WithComponent("session-registry"),
		sessions: make(map[string]*Session),
		shutdown: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.reapLoop()

	r.log.Info("session registry started",
		"ttl", r.opts.TTL,
		"sweep_interval", r.opts.SweepInterval,
		"max_buffer_bytes", r.opts.MaxBufferBytes,
		"max_total_bytes", r.opts.MaxTotalBytes)
	return r
}

// GetOrCreate returns the session for id, creating it with the given
// profile on first sight. The second return reports whether it was created.
func (r *Registry) GetOrCreate(id string, profile dialect.Profile) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}

	s = newSession(id, profile, r.opts.MaxBufferBytes)
	r.sessions[id] = s
	r.created++
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(len(r.sessions)))

	r.log.Debug("session created", "session_id", id, "profile", profile.Name)
	return s, true
}

// Get returns the session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// End removes the session and returns its terminal deltas. Ending an
// unknown or already-ended session returns nil.
func (r *Registry) End(id string) []ChoiceDelta {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.ended++
		metrics.SessionsActive.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return s.End()
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle removes every session idle longer than ttl and returns how many
// went. The reaper calls this on its interval; tests call it directly.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var victims []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen()) > ttl {
			victims = append(victims, s)
			delete(r.sessions, id)
		}
	}
	r.evicted += int64(len(victims))
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	for _, s := range victims {
		buffered := s.Buffered()
		s.End()
		metrics.SessionsEvicted.Inc()
		r.log.Info("session evicted",
			"session_id", s.ID,
			"age", s.Age(),
			"idle", now.Sub(s.LastSeen()),
			"buffered_bytes", buffered)
	}
	return len(victims)
}

// Buffered sums withheld bytes across all sessions.
func (r *Registry) Buffered() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, s := range r.sessions {
		total += int64(s.Buffered())
	}
	return total
}

// Shutdown stops the reaper and waits for it. Live sessions are left to
// their owners; their buffers go away with the process.
func (r *Registry) Shutdown() {
	close(r.shutdown)
	r.wg.Wait()

	r.mu.RLock()
	live := len(r.sessions)
	created, ended, evicted := r.created, r.ended, r.evicted
	r.mu.RUnlock()

	r.log.Info("session registry stopped",
		"live_sessions", live,
		"total_created", created,
		"total_ended", ended,
		"total_evicted", evicted)
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ttl := r.opts.TTL
			total := r.Buffered()
			metrics.SessionBytes.Set(float64(total))
			if total > r.opts.MaxTotalBytes {
				ttl = r.opts.TTL / 4
				r.log.Warn("buffered bytes over limit, evicting aggressively",
					"buffered_bytes", total,
					"max_total_bytes", r.opts.MaxTotalBytes,
					"reduced_ttl", ttl)
			}
			if n := r.EvictIdle(ttl); n > 0 {
				r.log.Info("idle sessions evicted", "count", n, "live", r.Len())
			}
		case <-r.shutdown:
			return
		}
	}
}
