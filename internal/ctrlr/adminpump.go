package ctrlr

import (
	"fmt"
	"os"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/aer"
	"github.com/nvme-go/nvmectrlr/internal/bootpart"
	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// queuedAbort is one Abort command waiting for an outstanding-abort
// slot to free up (the device bounds concurrent aborts via cdata.ACL).
type queuedAbort struct {
	cmd *transport.Command
	cb  transport.AdminCompletionFunc
}

// ProcessAdminCompletions drives everything that runs on a cadence
// after bring-up: dead-process reaping, keep-alives, per-process
// command-timeout callbacks, queued aborts, boot-partition write
// progress, and delivery of queued async events to the calling
// process. Returns the number of transport completions drained.
func (c *Controller) ProcessAdminCompletions() (int, error) {
	return c.ProcessAdminCompletionsAs(os.Getpid())
}

// ProcessAdminCompletionsAs is ProcessAdminCompletions on behalf of an
// explicitly named attached process; the façade and tests use it to
// exercise multi-process delivery from a single OS process.
func (c *Controller) ProcessAdminCompletionsAs(pid int) (int, error) {
	c.mu.Lock()
	if c.isRemoved {
		c.mu.Unlock()
		return 0, ErrControllerRemoved
	}
	c.mu.Unlock()

	for _, dead := range c.procs.ReapDead() {
		c.cleanupProcess(dead)
	}

	n, err := c.tr.ProcessCompletions(constants.MaxAsyncEvents)
	if err != nil {
		c.mu.Lock()
		c.fail(err)
		c.mu.Unlock()
		return n, err
	}

	c.mu.Lock()
	c.maybeSubmitKeepAlive()
	expired := c.collectCommandTimeouts()
	c.drainQueuedAborts()
	bp := c.bpWrite
	c.mu.Unlock()

	for _, fire := range expired {
		fire()
	}

	if bp != nil && bp.State() != bootpart.WriteDone && bp.State() != bootpart.WriteError {
		if err := bp.Advance(c.tr); err != nil {
			c.logger.Warn("boot partition write advance failed", "error", err)
		}
	}

	c.completeQueuedAsyncEvents(pid)
	return n, nil
}

// AttachProcess registers pid as sharing this controller. Attaching an
// already-attached pid is a no-op.
func (c *Controller) AttachProcess(pid int) {
	if _, ok := c.procs.Get(pid); ok {
		return
	}
	c.procs.Attach(pid)
}

// DetachProcess removes pid outright, regardless of how many holds it
// still has, cleaning up the qpairs and queued events it owned.
func (c *Controller) DetachProcess(pid int) {
	for {
		if _, ok := c.procs.Get(pid); !ok {
			break
		}
		c.procs.Detach(pid)
	}
	c.cleanupProcess(pid)
}

// ProcGetRef takes an additional hold on pid's attachment.
func (c *Controller) ProcGetRef(pid int) {
	c.procs.Attach(pid)
}

// ProcPutRef drops one hold. When the count reaches zero the process
// is removed, unless it is the last one attached: the final process is
// only removed at controller destruction, since it may own the device
// handle.
func (c *Controller) ProcPutRef(pid int) {
	p, ok := c.procs.Get(pid)
	if !ok {
		return
	}
	if p.RefCount() == 1 && c.procs.Len() == 1 {
		return
	}
	c.procs.Detach(pid)
	if _, still := c.procs.Get(pid); !still {
		c.cleanupProcess(pid)
	}
}

// cleanupProcess releases everything a departed process owned: its
// qpairs (whose queued requests are aborted without invoking the dead
// process's callbacks), its pending async events, and its callback
// registrations.
func (c *Controller) cleanupProcess(pid int) {
	c.mu.Lock()
	var orphaned []uint16
	for qid, owner := range c.qpOwner {
		if owner == pid {
			orphaned = append(orphaned, qid)
		}
	}
	delete(c.aerCallbacks, pid)
	delete(c.timeouts, pid)
	c.mu.Unlock()

	c.aerSlab.Drain(pid)

	for _, qid := range orphaned {
		c.mu.Lock()
		qp := c.qpairs[qid]
		c.mu.Unlock()
		if qp != nil {
			_ = c.freeIOQpairNow(qp)
		}
	}
	if len(orphaned) > 0 {
		c.logger.Info("cleaned up after departed process", "pid", pid, "qpairs", len(orphaned))
	}
}

// SetAERCallback installs (or, with nil, removes) pid's async-event
// callback, invoked once per delivered event during
// ProcessAdminCompletions.
func (c *Controller) SetAERCallback(pid int, fn func(aer.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.aerCallbacks, pid)
		return
	}
	c.aerCallbacks[pid] = fn
}

// SetTimeoutCallback installs pid's command-timeout callback with its
// admin and I/O thresholds; zero thresholds disable the respective
// check.
func (c *Controller) SetTimeoutCallback(pid int, adminTimeout, ioTimeout time.Duration, fn func(pid int, qid uint16, opcode uint8)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		delete(c.timeouts, pid)
		return
	}
	c.timeouts[pid] = &procTimeouts{adminTimeout: adminTimeout, ioTimeout: ioTimeout, fn: fn}
}

// maybeSubmitKeepAlive sends a Keep Alive when the interval elapsed,
// scheduling the next at timeout/2. mu must be held.
func (c *Controller) maybeSubmitKeepAlive() {
	if c.keepAliveIntervalMs <= 0 || c.keepAliveInflight || c.state != StateReady {
		return
	}
	if time.Now().Before(c.keepAliveNextTick) {
		return
	}
	c.keepAliveInflight = true
	if err := c.submitTracked(admin.KeepAlive(), func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.keepAliveInflight = false
		c.keepAliveNextTick = time.Now().Add(time.Duration(c.keepAliveIntervalMs) * time.Millisecond)
		if err != nil || !cpl.Status.Success() {
			c.logger.Warn("keep alive failed", "ctrlr", c.tr.PrintableAddress(),
				"error", err, "sct", cpl.Status.SCT, "sc", cpl.Status.SC)
		}
	}); err != nil {
		c.keepAliveInflight = false
		c.logger.Warn("keep alive submit failed", "error", err)
	}
}

// collectCommandTimeouts gathers the timeout callbacks due for every
// outstanding admin command older than a process's admin threshold;
// each command notifies at most once, and the returned thunks are
// invoked by the pump with the lock released so callbacks may call
// back into the controller. mu must be held.
func (c *Controller) collectCommandTimeouts() []func() {
	if len(c.timeouts) == 0 || len(c.inflight) == 0 {
		return nil
	}
	now := time.Now()
	var fires []func()
	for _, cmd := range c.inflight {
		if cmd.notified {
			continue
		}
		age := now.Sub(cmd.submittedAt)
		for pid, cfg := range c.timeouts {
			if cfg.adminTimeout > 0 && age > cfg.adminTimeout {
				cmd.notified = true
				pid, fn, opcode := pid, cfg.fn, cmd.opcode
				// qid 0: timeouts tracked here are admin-queue commands.
				fires = append(fires, func() { fn(pid, 0, opcode) })
			}
		}
	}
	return fires
}

// AbortCommand submits an Abort for (sqid, cid), queueing it when the
// device's concurrent-abort limit (cdata.ACL+1) is already saturated;
// queued aborts drain from the admin pump.
func (c *Controller) AbortCommand(sqid, cid uint16, cb transport.AdminCompletionFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd := admin.Abort(sqid, cid)
	limit := int(c.cdata.ACL) + 1
	if c.outstandingAborts >= limit {
		c.queuedAborts = append(c.queuedAborts, &queuedAbort{cmd: cmd, cb: cb})
		return nil
	}
	return c.submitAbort(cmd, cb)
}

// submitAbort submits one abort with outstanding-count bookkeeping.
// mu must be held.
func (c *Controller) submitAbort(cmd *transport.Command, cb transport.AdminCompletionFunc) error {
	c.outstandingAborts++
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		c.outstandingAborts--
		c.mu.Unlock()
		if cb != nil {
			cb(cpl, err)
		}
	})
}

// drainQueuedAborts moves queued aborts into the outstanding window as
// slots free up. mu must be held.
func (c *Controller) drainQueuedAborts() {
	limit := int(c.cdata.ACL) + 1
	for len(c.queuedAborts) > 0 && c.outstandingAborts < limit {
		qa := c.queuedAborts[0]
		c.queuedAborts = c.queuedAborts[1:]
		if err := c.submitAbort(qa.cmd, qa.cb); err != nil {
			c.logger.Warn("queued abort submit failed", "error", err)
		}
	}
}

// onAERCompletion is the callback wired to every AER slot, applying
// the repost policy and fanning the delivered event out to every
// attached process.
func (c *Controller) onAERCompletion(slot int, cpl transport.Completion, err error) {
	c.mu.Lock()
	pids := c.attachedPIDs()
	repost := c.aerSlab.Complete(slot, cpl, err, pids)
	obs := c.observer
	c.mu.Unlock()

	obs.ObserveAEREvent("completion")
	if !repost {
		obs.ObserveAEREvent("retired")
		return
	}
	c.mu.Lock()
	submitErr := c.aerSlab.SubmitAll(c.tr, c.onAERCompletion)
	c.mu.Unlock()
	if submitErr != nil {
		if c.aerSlab.AllowErrorLog() {
			c.logger.Warn("AER repost failed", "error", submitErr)
		}
		obs.ObserveAEREvent("repost-failed")
		return
	}
	obs.ObserveAEREvent("repost")
}

// completeQueuedAsyncEvents drains pid's pending events in FIFO order,
// running the in-line handling for the notice subtypes the core reacts
// to and then pid's registered callback.
func (c *Controller) completeQueuedAsyncEvents(pid int) {
	events := c.aerSlab.Drain(pid)
	for _, ev := range events {
		c.processAsyncEvent(ev)

		c.mu.Lock()
		cb := c.aerCallbacks[pid]
		c.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	}
}

// processAsyncEvent performs the core's own reaction to an event:
// namespace-attribute changes clear the Changed Namespace List log and
// re-identify the active set; ANA changes re-read and re-apply the ANA
// log.
func (c *Controller) processAsyncEvent(ev aer.Event) {
	if ev.Type != aer.EventTypeNotice {
		return
	}
	switch aer.NoticeInfo(ev.Info) {
	case aer.NoticeNamespaceAttrChanged:
		c.mu.Lock()
		buf := make([]byte, constants.IdentifyDataSize)
		numDwords := uint32(len(buf)/4) - 1
		cmd := admin.GetLogPage(admin.LogPageChangedNamespaceList, 0, numDwords, buf)
		err := c.submitTracked(cmd, func(cpl transport.Completion, err error) {
			// Read-to-clear; the refresh below is what updates state.
		})
		if err == nil {
			err = c.refreshActiveNSPage(0, nil, func(refreshErr error) {
				if refreshErr != nil {
					c.logger.Warn("active namespace refresh failed", "error", refreshErr)
				}
			})
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("namespace attribute change handling failed", "error", err)
		}

	case aer.NoticeANAChange:
		c.mu.Lock()
		disabled := c.opts.DisableReadANALogPage || !c.cdata.ANAReportingSupported()
		var err error
		if !disabled {
			err = c.submitANALogRead(func(readErr error) {
				if readErr != nil {
					c.logger.Warn("ANA log refresh failed", "error", readErr)
				}
			})
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("ANA change handling failed", "error", err)
		}
	}
}

// refreshActiveNSPage pages through the active namespace list outside
// the init machine (post-READY refresh after namespace management or a
// namespace-attribute AER), reconciling the registry when the last
// page arrives. mu must be held.
func (c *Controller) refreshActiveNSPage(start uint32, acc []uint32, onDone func(error)) error {
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.IdentifyActiveNSList(start, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		if err == nil && !cpl.Status.Success() {
			err = fmt.Errorf("identify active namespace list failed: status=%+v", cpl.Status)
		}
		if err != nil {
			onDone(err)
			return
		}
		page, last, full := parseActiveNSListPage(buf)
		acc = append(acc, page...)
		if full {
			c.mu.Lock()
			nextErr := c.refreshActiveNSPage(last, acc, onDone)
			c.mu.Unlock()
			if nextErr != nil {
				onDone(nextErr)
			}
			return
		}
		c.mu.Lock()
		c.ns.ReconcileActiveList(acc)
		c.mu.Unlock()
		onDone(nil)
	})
}
