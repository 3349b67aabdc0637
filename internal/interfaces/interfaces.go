// Package interfaces holds small seams shared between the public nvme
// package and the internal collaborator packages, kept separate to
// avoid import cycles.
package interfaces

// Logger is the minimal logging seam the core depends on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives lifecycle and I/O-adjacent events for metrics
// collection. Implementations must be safe for concurrent use: the
// admin-completions pump and AER dispatch both call into it.
type Observer interface {
	// ObserveStateTransition is called every time the init/reset state
	// machine advances.
	ObserveStateTransition(from, to string)
	// ObserveRegisterOp is called after each CSTS poll of the init/reset
	// state machine completes (successfully or not). Other register
	// reads and writes are not reported.
	ObserveRegisterOp(name string, latencyNs uint64, err error)
	// ObserveAdminCompletion is called after every admin command
	// completion except AERs, which are reported via ObserveAEREvent.
	ObserveAdminCompletion(opcode uint8, latencyNs uint64, success bool)
	// ObserveQpairEvent is called on qpair allocate, free and reconnect
	// ("alloc", "free", "reconnect").
	ObserveQpairEvent(qid uint16, event string)
	// ObserveAEREvent is called on AER submit/complete/repost/exhaustion.
	ObserveAEREvent(event string)
}

// NoOpObserver discards every observation; it is the Controller's
// default until a caller installs a real one.
type NoOpObserver struct{}

func (NoOpObserver) ObserveStateTransition(from, to string)                              {}
func (NoOpObserver) ObserveRegisterOp(name string, latencyNs uint64, err error)          {}
func (NoOpObserver) ObserveAdminCompletion(opcode uint8, latencyNs uint64, success bool) {}
func (NoOpObserver) ObserveQpairEvent(qid uint16, event string)                          {}
func (NoOpObserver) ObserveAEREvent(event string)                                        {}
