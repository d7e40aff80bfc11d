package session

import (
	"sync"
	"time"

	"github.com/panelyt/panelyt-api/comparison"
	"github.com/panelyt/panelyt-api/selection"
	"github.com/panelyt/panelyt-api/urlsync"
)

// Session is one shopping cart: a selection store shared by the URL sync
// engine and the comparison engine, plus the cart's navigation state.
type Session struct {
	ID        string
	CreatedAt time.Time

	Store      *selection.Store
	Query      *QueryState
	Sync       *urlsync.Engine
	Comparison *comparison.Engine

	mu         sync.Mutex
	lastAccess time.Time
}

// Touch records cart activity for TTL accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// LastAccess returns the time of the most recent cart activity.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// SetPricingContext switches both engines to a new regional pricing
// context: the resolver retries unresolved names, the comparison reprices.
func (s *Session) SetPricingContext(pricingCtx string) {
	s.Sync.SetPricingContext(pricingCtx)
	s.Comparison.SetPricingContext(pricingCtx)
}

// Close shuts down both engines and their watchers.
func (s *Session) Close() {
	s.Sync.Close()
	s.Comparison.Close()
}
