// Package session ties one cart together: the selection store, its URL
// sync engine and its comparison engine, plus the registry that tracks
// carts by id and expires idle ones.
package session

import (
	"net/url"
	"sync"

	"github.com/panelyt/panelyt-api/interfaces"
)

// Compile-time check to ensure QueryState implements Navigator
var _ interfaces.Navigator = (*QueryState)(nil)

// QueryState is the server-held navigation surface of one cart: the query
// string a browser address bar would carry. Writes replace the whole query,
// the way a history-replacing navigation does.
type QueryState struct {
	mu     sync.Mutex
	values url.Values
}

// NewQueryState creates a query state seeded with a copy of initial.
func NewQueryState(initial url.Values) *QueryState {
	return &QueryState{values: cloneValues(initial)}
}

// Query returns a copy of the current query values.
func (q *QueryState) Query() url.Values {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneValues(q.values)
}

// ReplaceQuery swaps the whole query for a copy of values.
func (q *QueryState) ReplaceQuery(values url.Values) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.values = cloneValues(values)
}

// Encode returns the current query in canonical encoded form.
func (q *QueryState) Encode() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.values.Encode()
}

func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for key, vals := range values {
		out[key] = append([]string(nil), vals...)
	}
	return out
}
