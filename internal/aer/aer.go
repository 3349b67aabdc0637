// Package aer implements the Asynchronous Event Request subsystem: a
// fixed-size slab of outstanding AERs sized to the controller's
// advertised limit, per-process queues of completed-but-undelivered
// events, and the repost policy that keeps the slab full.
package aer

import (
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// EventType mirrors the NVMe asynchronous event completion's type
// field, the subset the registry dispatches on.
type EventType uint8

const (
	EventTypeError EventType = iota
	EventTypeSMART
	EventTypeNotice
	EventTypeIOCommandSet = 6
	EventTypeVendor       = 7
)

// NoticeInfo mirrors the async_event_info sub-field for Notice events.
type NoticeInfo uint8

const (
	NoticeNamespaceAttrChanged NoticeInfo = 0x00
	NoticeFirmwareActivation   NoticeInfo = 0x01
	NoticeANAChange            NoticeInfo = 0x03
)

// Event is one delivered asynchronous event, queued per process until
// that process's owner calls Drain. Raw is the original completion, so
// per-process callbacks see exactly what the hardware returned.
type Event struct {
	Type      EventType
	Info      uint8
	LogPageID uint8
	Raw       transport.Completion
}

// errorLogRates bounds how often the "resubmitting AER failed" style
// warning may be logged per controller, so a wedged AER channel
// doesn't flood logs.
var errorLogRates = map[time.Duration]int{
	time.Second: 1,
}

// Slab owns the fixed-size pool of outstanding AER submissions and the
// per-process delivery queues. Sized lazily: Configure must be called
// once cdata.AERL is known.
type Slab struct {
	mu       sync.Mutex
	size     int
	inflight []bool // inflight[i] true while slot i has a command outstanding

	queues     map[int][]Event // pid -> pending events
	errLimiter *catrate.Limiter
}

// New returns an unconfigured Slab; Configure must be called before
// Submit.
func New() *Slab {
	return &Slab{
		queues:     make(map[int][]Event),
		errLimiter: catrate.NewLimiter(errorLogRates),
	}
}

// Configure sizes the slab to min(MaxAsyncEvents, aerl+1); AERL is a
// zero-based value.
func (s *Slab) Configure(aerl uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int(aerl) + 1
	if n > constants.MaxAsyncEvents {
		n = constants.MaxAsyncEvents
	}
	s.size = n
	s.inflight = make([]bool, n)
	return n
}

// Size returns the configured slab size (0 if Configure hasn't run).
func (s *Slab) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// SubmitAll submits one AsyncEventRequest admin command per free slot,
// invoking onCompletion for each when it eventually completes. Called
// once at CONFIGURE_AER and again, per-slot, after every repost.
func (s *Slab) SubmitAll(tr transport.Transport, onCompletion func(slot int, c transport.Completion, err error)) error {
	s.mu.Lock()
	free := make([]int, 0, s.size)
	for i, busy := range s.inflight {
		if !busy {
			free = append(free, i)
			s.inflight[i] = true
		}
	}
	s.mu.Unlock()

	for _, slot := range free {
		slot := slot
		cmd := &transport.Command{Opcode: OpcodeAsyncEventRequest}
		if err := tr.SubmitAdminRequest(cmd, func(c transport.Completion, err error) {
			onCompletion(slot, c, err)
		}); err != nil {
			s.mu.Lock()
			s.inflight[slot] = false
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// OpcodeAsyncEventRequest is the NVMe admin opcode for Asynchronous
// Event Request (0x0C).
const OpcodeAsyncEventRequest uint8 = 0x0C

// Complete handles one AER completion: decides whether to repost,
// queues the delivered event for every attached process, and reports
// whether a repost should be submitted for this slot.
func (s *Slab) Complete(slot int, c transport.Completion, transportErr error, pids []int) (shouldRepost bool) {
	s.mu.Lock()
	s.inflight[slot] = false
	s.mu.Unlock()

	if transportErr != nil {
		return false
	}
	if c.Status.IsAbortedSQDeletion() {
		// graceful shutdown drained this AER; do not repost.
		return false
	}
	if c.Status.IsAERLExceeded() {
		// device is telling us to stop; a well-behaved device never
		// actually returns this once configured correctly.
		return false
	}
	if !c.Status.Success() {
		return true
	}

	event := Event{
		Type:      EventType(c.CDW0 & 0x7),
		Info:      uint8((c.CDW0 >> 8) & 0xFF),
		LogPageID: uint8((c.CDW0 >> 16) & 0xFF),
		Raw:       c,
	}
	s.mu.Lock()
	for _, pid := range pids {
		s.queues[pid] = append(s.queues[pid], event)
	}
	s.mu.Unlock()
	return true
}

// Drain removes and returns every event queued for pid.
func (s *Slab) Drain(pid int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.queues[pid]
	delete(s.queues, pid)
	return events
}

// AllowErrorLog reports whether a "repost failed" style warning may be
// logged right now for this controller, rate-limited to avoid flooding.
func (s *Slab) AllowErrorLog() bool {
	_, ok := s.errLimiter.Allow("repost-failed")
	return ok
}
