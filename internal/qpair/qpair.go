// Package qpair manages I/O queue-pair identifiers and their
// transport-facing lifecycle: allocation from a free-qid bitset,
// per-qid state tracking, and reconnect-attempt rate limiting.
package qpair

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// IDPool hands out queue ids 1..max (qid 0 is the admin queue and is
// never managed here) using first-set FIFO allocation: the lowest free
// qid is always handed out next, and freed qids are immediately
// re-allocatable.
type IDPool struct {
	mu   sync.Mutex
	free []bool // free[i] true means qid i+1 is available
	max  uint16
}

// NewIDPool returns a pool managing qids 1..maxQueues inclusive.
func NewIDPool(maxQueues uint16) *IDPool {
	free := make([]bool, maxQueues)
	for i := range free {
		free[i] = true
	}
	return &IDPool{free: free, max: maxQueues}
}

// Alloc returns the lowest free qid, or (0, false) if the pool is
// exhausted.
func (p *IDPool) Alloc() (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, isFree := range p.free {
		if isFree {
			p.free[i] = false
			return uint16(i + 1), true
		}
	}
	return 0, false
}

// Release returns qid to the pool. Releasing an already-free or
// out-of-range qid is a no-op.
func (p *IDPool) Release(qid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qid == 0 || int(qid) > len(p.free) {
		return
	}
	p.free[qid-1] = true
}

// Reserve marks qid allocated without going through Alloc. Used after a
// reset rebuilds the pool while qpairs that survived it still hold
// their old qids.
func (p *IDPool) Reserve(qid uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qid == 0 || int(qid) > len(p.free) {
		return
	}
	p.free[qid-1] = false
}

// Available reports how many qids remain unallocated.
func (p *IDPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, isFree := range p.free {
		if isFree {
			n++
		}
	}
	return n
}

// reconnectRates bounds reconnect attempts to 1 per 100ms and 5 per
// 10s, per qid, so a flapping link doesn't spin the pump hot.
var reconnectRates = map[time.Duration]int{
	100 * time.Millisecond: 1,
	10 * time.Second:       5,
}

// Qpair tracks one I/O queue pair's transport state and drives its
// connect/reconnect/destroy transitions. Exported methods lock; the
// unexported transition helpers document when the caller must already
// hold mu.
type Qpair struct {
	QID     uint16
	Options transport.IOQpairOptions

	mu      sync.Mutex
	state   transport.QpairState
	handle  transport.QpairHandle
	reason  transport.FailureReason
	limiter *catrate.Limiter

	inCompletionContext          bool
	deleteAfterCompletionContext bool
}

// New creates a Qpair in the DISCONNECTED state for the given qid and
// options; Options.Qid is overwritten to match qid.
func New(qid uint16, opts transport.IOQpairOptions) *Qpair {
	opts.Qid = qid
	return &Qpair{
		QID:     qid,
		Options: opts,
		state:   transport.QpairDisconnected,
		limiter: catrate.NewLimiter(reconnectRates),
	}
}

// State returns the qpair's current transport state.
func (q *Qpair) State() transport.QpairState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// FailureReason returns the reason the last connection attempt failed,
// or FailureNone if the qpair has never failed.
func (q *Qpair) FailureReason() transport.FailureReason {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reason
}

// Create allocates the transport handle without connecting it, for
// callers that asked for create_only. A no-op if a handle already
// exists.
func (q *Qpair) Create(tr transport.Transport) error {
	q.mu.Lock()
	if q.handle != nil {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	handle, err := tr.CreateIOQpair(q.Options)
	if err != nil {
		q.noteFailure()
		return fmt.Errorf("qpair %d: create: %w", q.QID, err)
	}

	q.mu.Lock()
	q.handle = handle
	q.mu.Unlock()
	return nil
}

// Connect transitions DISCONNECTED -> CONNECTING -> CONNECTED,
// creating the transport handle first if Create hasn't run. It is a
// no-op returning nil if the qpair is already connected or beyond.
func (q *Qpair) Connect(tr transport.Transport) error {
	q.mu.Lock()
	if q.state != transport.QpairDisconnected {
		q.mu.Unlock()
		return nil
	}
	q.state = transport.QpairConnecting
	handle := q.handle
	q.mu.Unlock()

	if handle == nil {
		h, err := tr.CreateIOQpair(q.Options)
		if err != nil {
			q.mu.Lock()
			q.state = transport.QpairDisconnected
			q.mu.Unlock()
			q.noteFailure()
			return fmt.Errorf("qpair %d: create: %w", q.QID, err)
		}
		handle = h
	}

	if err := tr.ConnectQpair(handle); err != nil {
		q.mu.Lock()
		q.state = transport.QpairDisconnected
		q.handle = handle
		q.mu.Unlock()
		q.noteFailure()
		return fmt.Errorf("qpair %d: connect: %w", q.QID, err)
	}

	q.mu.Lock()
	q.handle = handle
	q.state = transport.QpairConnected
	q.reason = transport.FailureNone
	q.mu.Unlock()
	return nil
}

// noteFailure records a remote failure reason unless an earlier,
// host-initiated one is already recorded; a reset marks qpairs LOCAL
// before reconnecting, and a failed reconnect must not erase that.
func (q *Qpair) noteFailure() {
	q.mu.Lock()
	if q.reason == transport.FailureNone {
		q.reason = transport.FailureRemote
	}
	q.mu.Unlock()
}

// Enable marks a CONNECTED qpair ENABLED, i.e. eligible to carry I/O.
// It is a no-op if the qpair isn't currently CONNECTED.
func (q *Qpair) Enable() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == transport.QpairConnected {
		q.state = transport.QpairEnabled
	}
}

// Reconnect re-attempts Connect after a failure, subject to the qid's
// rate limit. Returns (false, nil) without attempting if the limiter
// denies the attempt; the caller should try again on a later pump
// tick.
func (q *Qpair) Reconnect(tr transport.Transport) (attempted bool, err error) {
	if _, ok := q.limiter.Allow(q.QID); !ok {
		return false, nil
	}
	return true, q.Connect(tr)
}

// Disconnect transitions to DISCONNECTING, tells the transport to tear
// down the link, then settles in DISCONNECTED. local indicates whether
// the disconnect was host-initiated (FailureLocal) as opposed to a
// transport-observed link failure (FailureRemote).
func (q *Qpair) Disconnect(tr transport.Transport, local bool) error {
	q.mu.Lock()
	if q.state == transport.QpairDisconnected || q.state == transport.QpairDisconnecting {
		q.mu.Unlock()
		return nil
	}
	q.state = transport.QpairDisconnecting
	handle := q.handle
	q.mu.Unlock()

	var err error
	if handle != nil {
		err = tr.DisconnectQpair(handle)
	}

	q.mu.Lock()
	q.state = transport.QpairDisconnected
	q.handle = nil
	if local {
		q.reason = transport.FailureLocal
	} else {
		q.reason = transport.FailureRemote
	}
	q.mu.Unlock()

	if err != nil {
		return fmt.Errorf("qpair %d: disconnect: %w", q.QID, err)
	}
	return nil
}

// EnterCompletionContext and LeaveCompletionContext bracket the
// transport's completion unwinding for this qpair. A free requested
// while inside the bracket is deferred; LeaveCompletionContext
// reports whether a deferred delete is now due.
func (q *Qpair) EnterCompletionContext() {
	q.mu.Lock()
	q.inCompletionContext = true
	q.mu.Unlock()
}

func (q *Qpair) LeaveCompletionContext() (deleteDue bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inCompletionContext = false
	return q.deleteAfterCompletionContext
}

// DeferDeleteIfInCompletionContext marks the qpair for deletion after
// completion unwinding if a completion context is active, reporting
// whether the delete was deferred.
func (q *Qpair) DeferDeleteIfInCompletionContext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inCompletionContext {
		q.deleteAfterCompletionContext = true
		return true
	}
	return false
}

// Destroy transitions to DESTROYING and asks the transport to free the
// handle permanently. The Qpair must not be reused afterward; the
// caller is responsible for releasing its qid back to an IDPool.
func (q *Qpair) Destroy(tr transport.Transport) error {
	q.mu.Lock()
	q.state = transport.QpairDestroying
	handle := q.handle
	q.handle = nil
	q.mu.Unlock()

	if handle == nil {
		return nil
	}
	if err := tr.DeleteIOQpair(handle); err != nil {
		return fmt.Errorf("qpair %d: destroy: %w", q.QID, err)
	}
	return nil
}
