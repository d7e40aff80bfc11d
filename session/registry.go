package session

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/panelyt/panelyt-api/comparison"
	"github.com/panelyt/panelyt-api/interfaces"
	"github.com/panelyt/panelyt-api/logging"
	"github.com/panelyt/panelyt-api/metrics"
	"github.com/panelyt/panelyt-api/pricing"
	"github.com/panelyt/panelyt-api/selection"
	"github.com/panelyt/panelyt-api/urlsync"
)

// sweepInterval is how often the registry looks for idle carts.
const sweepInterval = time.Minute

// DefaultTTL is the idle lifetime of a cart when the config leaves it unset.
const DefaultTTL = 30 * time.Minute

// Config carries the dependencies and defaults every new cart shares.
type Config struct {
	Resolver interfaces.Resolver
	Pricing  interfaces.PricingAPI
	Labs     *pricing.Registry

	ShareBase      string
	SharePath      string
	DefaultLocale  string
	PricingContext string

	// Window is the debounce window both engines use. Non-positive values
	// fall back to the package default.
	Window time.Duration

	// TTL is the idle lifetime of a cart. Non-positive falls back to
	// DefaultTTL.
	TTL time.Duration
}

// Registry tracks live cart sessions by id and expires idle ones.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	started  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates an empty session registry. Call Start to launch the
// expiry sweeper and Close to shut everything down.
func NewRegistry(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// Create builds a new cart: a fresh store, both engines wired to it, and
// hydration from the initial query (a shared URL's parameters). The new
// session is immediately registered and counted.
func (r *Registry) Create(initialQuery url.Values) *Session {
	store := selection.NewStore()
	query := NewQueryState(initialQuery)

	sess := &Session{
		ID:         uuid.New().String(),
		CreatedAt:  time.Now(),
		lastAccess: time.Now(),
		Store:      store,
		Query:      query,
		Sync: urlsync.New(store, r.cfg.Resolver, query, urlsync.Config{
			SuppressParams: urlsync.DefaultSuppressParams,
			Window:         r.cfg.Window,
			ShareBase:      r.cfg.ShareBase,
			SharePath:      r.cfg.SharePath,
			DefaultLocale:  r.cfg.DefaultLocale,
			PricingContext: r.cfg.PricingContext,
		}),
		Comparison: comparison.New(store, r.cfg.Pricing, r.cfg.Labs, comparison.Config{
			Window:         r.cfg.Window,
			PricingContext: r.cfg.PricingContext,
		}),
	}

	// The comparison watcher subscribes before hydration so a cart opened
	// from a shared URL starts repricing right away.
	sess.Comparison.Start()
	sess.Sync.Hydrate()

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveCartSessions.Set(float64(count))
	logging.Debug("Cart session created", "id", sess.ID, "active", count)
	return sess
}

// Get returns a live session and refreshes its idle timer.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		sess.Touch()
	}
	return sess, ok
}

// Delete removes and closes a session. It reports whether the id was live.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.Close()
	metrics.ActiveCartSessions.Set(float64(count))
	logging.Debug("Cart session deleted", "id", id, "active", count)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start launches the idle-expiry sweeper. Calling Start twice is a no-op.
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.expireIdle()
		}
	}
}

// expireIdle closes sessions idle past the TTL. Closing happens outside the
// registry lock: engine shutdown waits on in-flight work.
func (r *Registry) expireIdle() {
	cutoff := time.Now().Add(-r.cfg.TTL)

	var expired []*Session
	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.LastAccess().Before(cutoff) {
			delete(r.sessions, id)
			expired = append(expired, sess)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, sess := range expired {
		sess.Close()
	}
	metrics.ActiveCartSessions.Set(float64(count))
	logging.Info("Expired idle cart sessions", "expired", len(expired), "active", count)
}

// Close stops the sweeper and closes every live session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	metrics.ActiveCartSessions.Set(0)
}
