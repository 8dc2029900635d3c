package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/fixedpoint"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// symbolQueue holds the live orders of one symbol. passMu serializes
// matching passes, book mutation and broadcasts for the symbol; mu
// guards only the order map so snapshots stay cheap.
type symbolQueue struct {
	symbol string
	passMu sync.Mutex

	mu     sync.Mutex
	orders map[uuid.UUID]*models.Order
}

func newSymbolQueue(symbol string) *symbolQueue {
	return &symbolQueue{
		symbol: symbol,
		orders: make(map[uuid.UUID]*models.Order),
	}
}

// Add queues an order. It reports false when the id is already queued.
func (q *symbolQueue) Add(o *models.Order) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.orders[o.ID]; ok {
		return false
	}
	q.orders[o.ID] = o
	return true
}

// Remove dequeues an order by id and returns it, nil when absent.
func (q *symbolQueue) Remove(id uuid.UUID) *models.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orders[id]
	if !ok {
		return nil
	}
	delete(q.orders, id)
	return o
}

// Get returns the queued order with the given id.
func (q *symbolQueue) Get(id uuid.UUID) (*models.Order, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.orders[id]
	return o, ok
}

// Snapshot copies the current queue contents. The order pointers are
// shared; a matching pass mutates them in place as fills land.
func (q *symbolQueue) Snapshot() []*models.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Order, 0, len(q.orders))
	for _, o := range q.orders {
		out = append(out, o)
	}
	return out
}

// DropClosed removes every order that can no longer match.
func (q *symbolQueue) DropClosed() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, o := range q.orders {
		if !o.IsOpen() {
			delete(q.orders, id)
		}
	}
}

// Len returns the number of queued orders.
func (q *symbolQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}

// OpenAt sums the remaining amount of open limit orders resting at a
// price level, the authoritative aggregate after a cancellation.
func (q *symbolQueue) OpenAt(side string, price fixedpoint.Value) fixedpoint.Value {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := fixedpoint.Zero()
	for _, o := range q.orders {
		if o.Side != side || o.IsMarket() || !o.IsOpen() {
			continue
		}
		if !o.Price.Equal(price) {
			continue
		}
		total = total.Add(o.Remaining)
	}
	return total
}
