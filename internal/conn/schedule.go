package conn

import "sync"

// Operation is one unit of work posted to a Connection's MPSC operation
// queue: external callers enqueue operations through per-connection MPSC
// operation queues. It is run on the owning worker goroutine only.
type Operation func(c *Connection)

// OpQueue is the per-connection MPSC operation queue: API calls from
// arbitrary app threads post an Operation and return, or — if already
// running on this connection's worker goroutine — run inline (the
// "reentrant" case, left to the caller to detect, since only the caller
// knows which goroutine it is on).
type OpQueue struct {
	mu       sync.Mutex
	pending  []Operation
	priority []Operation // path-validation/close operations jump the line
}

// Post appends op to the plain FIFO.
func (q *OpQueue) Post(op Operation) {
	q.mu.Lock()
	q.pending = append(q.pending, op)
	q.mu.Unlock()
}

// PostPriority appends op to the priority subqueue: connections that set
// HasPriorityWork get serviced from it ahead of the plain FIFO.
func (q *OpQueue) PostPriority(op Operation) {
	q.mu.Lock()
	q.priority = append(q.priority, op)
	q.mu.Unlock()
}

// Len reports how many operations (priority + plain) are currently queued.
func (q *OpQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.priority)
}

// drain pops up to n operations, priority first, without running them.
func (q *OpQueue) drain(n int) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Operation
	for len(out) < n && len(q.priority) > 0 {
		out = append(out, q.priority[0])
		q.priority = q.priority[1:]
	}
	for len(out) < n && len(q.pending) > 0 {
		out = append(out, q.pending[0])
		q.pending = q.pending[1:]
	}
	return out
}

// Handle adapts a Connection to worker.Runnable: it
// owns the connection's operation queue and drains it inline, so the
// worker package never imports internal/conn (breaking what would
// otherwise be an import cycle through internal/worker's Enqueue callers).
type Handle struct {
	Conn *Connection
	Ops  *OpQueue
}

// NewHandle wraps c in a worker-schedulable Handle with a fresh queue.
func NewHandle(c *Connection) *Handle {
	return &Handle{Conn: c, Ops: &OpQueue{}}
}

// ProcessOperations implements worker.Runnable: it drains and runs up to n
// queued operations against the wrapped Connection, single-threaded by
// construction (only the owning worker ever calls this).
func (h *Handle) ProcessOperations(n int) int {
	ops := h.Ops.drain(n)
	for _, op := range ops {
		op(h.Conn)
	}
	return len(ops)
}

// HasPriorityWork implements worker.Runnable: true while a priority
// operation (e.g. path-validation response, shutdown) is queued.
func (h *Handle) HasPriorityWork() bool {
	h.Ops.mu.Lock()
	defer h.Ops.mu.Unlock()
	return len(h.Ops.priority) > 0
}
