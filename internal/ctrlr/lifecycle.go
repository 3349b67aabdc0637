package ctrlr

import (
	"errors"
	"fmt"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/qpair"
	"github.com/nvme-go/nvmectrlr/internal/quirks"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// Lifecycle sentinels.
var (
	ErrNotReady          = errors.New("ctrlr: controller not ready")
	ErrResetInProgress   = errors.New("ctrlr: reset already in progress")
	ErrReconnectPending  = errors.New("ctrlr: reconnect in progress")
	ErrControllerFailed  = errors.New("ctrlr: controller has failed")
	ErrControllerRemoved = errors.New("ctrlr: controller removed")
	ErrQueueExhausted    = errors.New("ctrlr: no free queue ids")
	ErrInvalidParameters = errors.New("ctrlr: invalid parameters")
)

// AllocIOQpair allocates a qid, creates the transport queue pair, and
// (unless CreateOnly) connects it, attributing ownership to pid. On
// any failure the qid is released and the transport state destroyed
// before returning.
func (c *Controller) AllocIOQpair(pid int, opts transport.IOQpairOptions) (*qpair.Qpair, error) {
	c.mu.Lock()
	if c.state != StateReady || c.qids == nil {
		c.mu.Unlock()
		return nil, ErrNotReady
	}
	if opts.Qprio > transport.QPrioLOW {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: qprio %d", ErrInvalidParameters, opts.Qprio)
	}
	if c.opts.ArbMechanism == ArbitrationRoundRobin && opts.Qprio != transport.QPrioURGENT {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: round-robin arbitration accepts only urgent priority", ErrInvalidParameters)
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = c.opts.IOQueueSize
	}
	if opts.QueueRequests == 0 {
		opts.QueueRequests = c.opts.IOQueueRequests
	}
	if opts.QueueRequests < opts.QueueSize {
		opts.QueueRequests = opts.QueueSize
	}
	const sqEntrySize, cqEntrySize = 64, 16
	if opts.SQ.BufferSize != 0 && opts.SQ.BufferSize < opts.QueueSize*sqEntrySize {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: submission queue buffer too small", ErrInvalidParameters)
	}
	if opts.CQ.BufferSize != 0 && opts.CQ.BufferSize < opts.QueueSize*cqEntrySize {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: completion queue buffer too small", ErrInvalidParameters)
	}

	qid, ok := c.qids.Alloc()
	if !ok {
		c.mu.Unlock()
		return nil, ErrQueueExhausted
	}
	c.mu.Unlock()

	if c.quirkBits.Has(quirks.DelayAfterQueueAlloc) {
		time.Sleep(constants.DelayAfterQueueAllocQuirk)
	}

	qp := qpair.New(qid, opts)
	var err error
	if opts.CreateOnly {
		err = qp.Create(c.tr)
	} else {
		err = qp.Connect(c.tr)
	}
	if err != nil {
		_ = qp.Destroy(c.tr)
		c.mu.Lock()
		c.qids.Release(qid)
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.qpairs[qid] = qp
	c.qpOwner[qid] = pid
	obs := c.observer
	c.mu.Unlock()
	obs.ObserveQpairEvent(qid, "alloc")
	return qp, nil
}

// FreeIOQpair disconnects and destroys qp, releasing its qid. Invoked
// from inside the qpair's completion unwinding, the delete is deferred
// until the unwinding finishes; the caller still gets nil.
func (c *Controller) FreeIOQpair(qp *qpair.Qpair) error {
	if qp == nil {
		return nil
	}
	if qp.DeferDeleteIfInCompletionContext() {
		return nil
	}
	return c.freeIOQpairNow(qp)
}

// CompleteDeferredFree finishes a free that FreeIOQpair deferred while
// qp was inside its completion context. Transports call this after
// LeaveCompletionContext reports a delete is due.
func (c *Controller) CompleteDeferredFree(qp *qpair.Qpair) error {
	return c.freeIOQpairNow(qp)
}

func (c *Controller) freeIOQpairNow(qp *qpair.Qpair) error {
	if err := qp.Disconnect(c.tr, true); err != nil {
		c.logger.Warn("qpair disconnect failed during free", "qid", qp.QID, "error", err)
	}
	err := qp.Destroy(c.tr)

	c.mu.Lock()
	delete(c.qpairs, qp.QID)
	delete(c.qpOwner, qp.QID)
	if c.qids != nil {
		c.qids.Release(qp.QID)
	}
	obs := c.observer
	c.mu.Unlock()
	obs.ObserveQpairEvent(qp.QID, "free")
	return err
}

// ReconnectIOQpair re-attempts a failed qpair's transport connection.
// The controller must not be mid-reset, removed, or failed, and an
// already-connected qpair succeeds without touching the transport.
func (c *Controller) ReconnectIOQpair(qp *qpair.Qpair) error {
	c.mu.Lock()
	switch {
	case c.isRemoved:
		c.mu.Unlock()
		return ErrControllerRemoved
	case c.isFailed:
		c.mu.Unlock()
		return ErrControllerFailed
	case c.isResetting:
		c.mu.Unlock()
		return ErrResetInProgress
	case c.state != StateReady:
		c.mu.Unlock()
		return ErrReconnectPending
	}
	obs := c.observer
	c.mu.Unlock()

	if qp.State() == transport.QpairConnected || qp.State() == transport.QpairEnabled {
		return nil
	}
	attempted, err := qp.Reconnect(c.tr)
	if attempted {
		obs.ObserveQpairEvent(qp.QID, "reconnect")
	}
	return err
}

// ActiveQpairs returns the current I/O qpairs, keyed by qid.
func (c *Controller) ActiveQpairs() map[uint16]*qpair.Qpair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint16]*qpair.Qpair, len(c.qpairs))
	for qid, qp := range c.qpairs {
		out[qid] = qp
	}
	return out
}

// QpairOwner returns the pid that allocated qid, if known.
func (c *Controller) QpairOwner(qid uint16) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid, ok := c.qpOwner[qid]
	return pid, ok
}

// Disconnect tears the controller down for a reset: abort queued
// aborts and outstanding AERs, mark every I/O qpair's failure reason
// LOCAL and disconnect it, free the doorbell buffers and IOCS-specific
// data, and destroy the free-qid bitset. Returns ErrControllerFailed
// if the controller already failed.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	if c.isFailed && !c.isResetting {
		c.mu.Unlock()
		return ErrControllerFailed
	}
	c.isResetting = true
	c.keepAliveIntervalMs = 0
	c.keepAliveInflight = false
	c.queuedAborts = nil
	c.outstandingAborts = 0
	c.dbbufShadow = nil
	c.dbbufEventIdx = nil
	c.iocsData = nil
	c.znsEffectsLog = nil
	c.qids = nil
	qps := make([]*qpair.Qpair, 0, len(c.qpairs))
	for _, qp := range c.qpairs {
		qps = append(qps, qp)
	}
	c.mu.Unlock()

	if err := c.tr.AbortAERs(); err != nil {
		c.logger.Warn("aborting AERs failed during disconnect", "error", err)
	}
	// Deliver the abort completions so the AER slab sees its slots
	// drain before the machine replays.
	if _, err := c.tr.ProcessCompletions(constants.MaxAsyncEvents); err != nil {
		c.logger.Warn("draining completions failed during disconnect", "error", err)
	}

	for _, qp := range qps {
		if err := qp.Disconnect(c.tr, true); err != nil {
			c.logger.Warn("qpair disconnect failed during reset", "qid", qp.QID, "error", err)
		}
	}
	return nil
}

// ReconnectAsync rewinds the state machine to replay bring-up; the
// caller pumps ProcessInit until READY or ERROR, then calls
// ReconnectPoll to settle the qpairs.
func (c *Controller) ReconnectAsync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isFailed = false
	c.lastActiveNSIDs = nil
	c.lastActiveNSStart = 0
	c.perNSQueue = nil
	c.setState(StateInitDelay, c.opts.AdminTimeoutMs)
}

// ReconnectPoll checks whether an async reconnect finished. It returns
// ErrReconnectPending while bring-up is still replaying, reconnects
// the surviving qpairs once READY, and reports terminal failure via
// ErrControllerFailed.
func (c *Controller) ReconnectPoll() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateError:
		c.mu.Lock()
		c.isResetting = false
		c.mu.Unlock()
		return ErrControllerFailed
	case StateReady:
	default:
		return ErrReconnectPending
	}

	// Reconnect surviving qpairs synchronously; a qpair the transport
	// rejects keeps its LOCAL failure reason and stays in the active
	// list for the owner to retry.
	for _, qp := range c.ActiveQpairs() {
		if err := qp.Connect(c.tr); err != nil {
			c.logger.Warn("qpair reconnect failed after reset", "qid", qp.QID, "error", err)
		}
	}

	c.mu.Lock()
	c.isResetting = false
	c.mu.Unlock()
	return nil
}

// Reset performs a full synchronous reset: disconnect, replay the init
// machine, reconnect qpairs. Returns ErrResetInProgress if a reset is
// already running.
func (c *Controller) Reset() error {
	c.mu.Lock()
	if c.isResetting {
		c.mu.Unlock()
		return ErrResetInProgress
	}
	if c.isRemoved {
		c.mu.Unlock()
		return ErrControllerRemoved
	}
	c.mu.Unlock()

	if err := c.Disconnect(); err != nil {
		return err
	}
	c.ReconnectAsync()

	deadline := time.Now().Add(time.Duration(c.opts.AdminTimeoutMs) * time.Millisecond)
	for {
		_ = c.ProcessInit()
		err := c.ReconnectPoll()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrReconnectPending) {
			return err
		}
		if time.Now().After(deadline) {
			c.mu.Lock()
			c.fail(fmt.Errorf("reset timed out"))
			c.isResetting = false
			c.mu.Unlock()
			return ErrControllerFailed
		}
		time.Sleep(time.Duration(constants.RegisterPollIntervalMs) * time.Millisecond)
	}
}

// PrepareForReset flags the controller so the next Fail keeps state
// for an orderly reset instead of hard-failing.
func (c *Controller) PrepareForReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prepareForReset = true
}

// Fail marks the controller failed; with hotRemove it is additionally
// marked removed, after which every operation returns
// ErrControllerRemoved.
func (c *Controller) Fail(hotRemove bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hotRemove {
		c.isRemoved = true
	}
	if c.prepareForReset {
		c.prepareForReset = false
		return
	}
	c.isFailed = true
}

// SubsystemReset writes the NSSR magic, triggering an NVM subsystem
// reset on controllers that advertise CAP.NSSRS. No further cleanup
// happens here; on PCIe the hot-remove path follows.
func (c *Controller) SubsystemReset() error {
	c.mu.Lock()
	nssrs := c.regs.CAP.NSSRS
	c.mu.Unlock()
	if !nssrs {
		return transport.ErrNotSupported
	}
	return c.tr.SetReg4(regtypes.OffsetNSSR, regtypes.NSSRValue)
}

// Shutdown performs an orderly controller shutdown: request normal
// shutdown notification via CC.SHN and poll CSTS.SHST to completion,
// unless the caller (or a quirk) disabled the notification path, in
// which case only CC.EN is cleared.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	noShn := c.opts.NoSHNNotification ||
		c.quirkBits.Has(quirks.SubmitQueuesNoShn) ||
		c.quirkBits.Has(quirks.SimpleSuspend)
	cc := c.regs.CC
	timeout := time.Duration(c.readyTimeoutMs()) * time.Millisecond
	c.mu.Unlock()

	if noShn {
		cc.EN = false
		if err := c.tr.SetReg4(regtypes.OffsetCC, cc.Encode()); err != nil {
			return err
		}
		c.mu.Lock()
		c.regs.CC.EN = false
		c.mu.Unlock()
		return nil
	}

	cc.SHN = regtypes.ShnNormal
	if err := c.tr.SetReg4(regtypes.OffsetCC, cc.Encode()); err != nil {
		return err
	}
	c.mu.Lock()
	c.regs.CC.SHN = regtypes.ShnNormal
	c.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		raw, err := c.tr.GetReg4(regtypes.OffsetCSTS)
		if err != nil {
			return err
		}
		csts := regtypes.DecodeCSTS(raw)
		c.mu.Lock()
		c.regs.CSTS = csts
		c.mu.Unlock()
		if csts.SHST == regtypes.ShstComplete {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ctrlr: shutdown did not complete within %v", timeout)
		}
		time.Sleep(time.Duration(constants.RegisterPollIntervalMs) * time.Millisecond)
	}
}

// Destruct shuts the controller down and releases everything it owns.
// The controller must not be used afterward.
func (c *Controller) Destruct() error {
	c.mu.Lock()
	if c.isDestructed {
		c.mu.Unlock()
		return nil
	}
	c.isDestructed = true
	qps := make([]*qpair.Qpair, 0, len(c.qpairs))
	for _, qp := range c.qpairs {
		qps = append(qps, qp)
	}
	removed := c.isRemoved
	c.mu.Unlock()

	for _, qp := range qps {
		_ = qp.Disconnect(c.tr, true)
		_ = qp.Destroy(c.tr)
	}

	if !removed {
		if err := c.Shutdown(); err != nil {
			c.logger.Warn("shutdown during destruct failed", "error", err)
		}
	}

	c.mu.Lock()
	c.qpairs = make(map[uint16]*qpair.Qpair)
	c.qpOwner = make(map[uint16]int)
	c.qids = nil
	c.mu.Unlock()

	return c.tr.Destruct()
}

// Trid returns the controller's transport identifier.
func (c *Controller) Trid() Trid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trid
}

// SetTrid installs the initial transport identifier; used once at
// construction by the public façade.
func (c *Controller) SetTrid(t Trid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trid = t
}

// UpdateTrid repoints a failed controller at an alternate path to the
// same subsystem. Permitted only while the controller is failed, and
// only when transport type and subsystem NQN match the current
// identity.
func (c *Controller) UpdateTrid(t Trid) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isFailed {
		return fmt.Errorf("%w: trid may only change while failed", ErrInvalidParameters)
	}
	if t.Type != c.trid.Type || t.SubNQN != c.trid.SubNQN {
		return fmt.Errorf("%w: transport type and subnqn must match", ErrInvalidParameters)
	}
	c.trid = t
	return nil
}
