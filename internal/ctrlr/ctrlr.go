// Package ctrlr implements the controller init/reset state machine:
// the single cooperative pump that drives an NVMe controller from a
// disabled hardware state through READY, and the operations (admin
// helpers, qpair lifecycle, reset, destruct) that hang off it once
// bring-up completes. There are no internal threads; all progress
// happens inside caller-invoked pumps, and the core never blocks
// except in the explicitly synchronous convenience helpers.
package ctrlr

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/aer"
	"github.com/nvme-go/nvmectrlr/internal/bootpart"
	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/dma"
	"github.com/nvme-go/nvmectrlr/internal/interfaces"
	"github.com/nvme-go/nvmectrlr/internal/logging"
	"github.com/nvme-go/nvmectrlr/internal/nsregistry"
	"github.com/nvme-go/nvmectrlr/internal/proctable"
	"github.com/nvme-go/nvmectrlr/internal/qpair"
	"github.com/nvme-go/nvmectrlr/internal/quirks"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// Trid identifies the transport endpoint a controller sits behind:
// transport type, address (PCIe BDF or fabrics traddr), and subsystem
// NQN for fabrics controllers.
type Trid struct {
	Type    string
	Address string
	SubNQN  string
}

// Flags is the capability set derived from CAP and the identify data
// during bring-up, consumed by the I/O path.
type Flags struct {
	SGLSupported          bool
	SGLRequiresDwordAlign bool
	CompareAndWrite       bool
	SecuritySendRecv      bool
	Directives            bool
	ZoneAppend            bool
	WRR                   bool
}

// inflightCmd tracks one outstanding admin submission for the
// per-process timeout callbacks.
type inflightCmd struct {
	opcode      uint8
	submittedAt time.Time
	notified    bool
}

// procTimeouts is one attached process's timeout configuration.
type procTimeouts struct {
	adminTimeout time.Duration
	ioTimeout    time.Duration
	fn           func(pid int, qid uint16, opcode uint8)
}

// Controller is one NVMe host controller instance: a bring-up/reset
// state machine plus the registries it owns once READY.
type Controller struct {
	tr        transport.Transport
	logger    *logging.Logger
	observer  interfaces.Observer
	quirkBits quirks.Bitmask

	// mu is the controller's single lock. Exported methods lock;
	// unexported helpers document "mu must be held" and never lock it
	// themselves. Transport completions are always drained with mu
	// released, since completion callbacks re-enter the lock.
	mu sync.Mutex

	trid       Trid
	opts       Options
	state      State
	submitted  bool // whether the current action state's async op has been issued
	deadline   time.Time
	noDeadline bool

	regs  regtypes.Cache
	cdata IdentifyControllerData
	flags Flags

	ns                *nsregistry.Registry
	lastActiveNSIDs   []uint32
	lastActiveNSStart uint32
	perNSQueue        []uint32 // active nsids still awaiting the current per-ns identify pass
	anaLog            []byte

	aerSlab      *aer.Slab
	aerCallbacks map[int]func(aer.Event)
	procs        *proctable.Table
	timeouts     map[int]*procTimeouts

	qids    *qpair.IDPool
	qpairs  map[uint16]*qpair.Qpair
	qpOwner map[uint16]int // qid -> owning pid

	domains *dma.Registry

	inflight    map[uint64]*inflightCmd
	inflightSeq uint64

	queuedAborts      []*queuedAbort
	outstandingAborts int
	bpWrite           *bootpart.WriteRequest

	dbbufShadow   []byte
	dbbufEventIdx []byte
	iocsData      []byte
	znsEffectsLog []byte

	isFailed, isRemoved, isResetting, isDestructed, prepareForReset bool

	keepAliveIntervalMs int
	keepAliveNextTick   time.Time
	keepAliveInflight   bool
}

// New constructs a Controller bound to tr, with quirks looked up from
// id and opts normalized once CAP is known (Normalize is re-applied in
// the READ_CAP callback, since MQES is only known then). The calling
// process is attached as the primary.
func New(tr transport.Transport, id quirks.PCIID, opts Options) *Controller {
	c := &Controller{
		tr:           tr,
		logger:       logging.Default(),
		observer:     interfaces.NoOpObserver{},
		quirkBits:    quirks.Get(id),
		opts:         opts,
		state:        StateInitDelay,
		noDeadline:   true, // INIT_DELAY advances on the first pump; later states arm their own deadline
		procs:        proctable.New(),
		qpairs:       make(map[uint16]*qpair.Qpair),
		qpOwner:      make(map[uint16]int),
		domains:      dma.Global(),
		aerSlab:      aer.New(),
		aerCallbacks: make(map[int]func(aer.Event)),
		timeouts:     make(map[int]*procTimeouts),
		inflight:     make(map[uint64]*inflightCmd),
	}
	c.procs.Attach(os.Getpid())
	return c
}

// SetObserver installs a metrics/tracing observer; nil restores the
// no-op default.
func (c *Controller) SetObserver(o interfaces.Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o == nil {
		o = interfaces.NoOpObserver{}
	}
	c.observer = o
}

// SetLogger replaces the controller's logger; nil restores the default.
func (c *Controller) SetLogger(l *logging.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = logging.Default()
	}
	c.logger = l
}

// State returns the controller's current init/reset state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsFailed, IsRemoved, IsResetting report the sticky lifecycle flags.
func (c *Controller) IsFailed() bool    { c.mu.Lock(); defer c.mu.Unlock(); return c.isFailed }
func (c *Controller) IsRemoved() bool   { c.mu.Lock(); defer c.mu.Unlock(); return c.isRemoved }
func (c *Controller) IsResetting() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.isResetting }

// Data returns the cached identify-controller data; valid once the
// machine has passed IDENTIFY.
func (c *Controller) Data() IdentifyControllerData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cdata
}

// Capabilities returns the decoded register cache.
func (c *Controller) Capabilities() regtypes.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// CapabilityFlags returns the capability flag set derived during
// bring-up.
func (c *Controller) CapabilityFlags() Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// Namespaces returns the controller's namespace registry; nil before
// IDENTIFY completes.
func (c *Controller) Namespaces() *nsregistry.Registry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ns
}

// MaxXferSize returns the per-command data transfer ceiling: the
// smaller of what MDTS advertises (min_page_size << MDTS; 0 means the
// device imposes no limit) and what the transport can move.
func (c *Controller) MaxXferSize() uint32 {
	c.mu.Lock()
	mdts := c.cdata.MDTS
	minPage := c.regs.MinPageSize
	c.mu.Unlock()

	trMax := c.tr.GetMaxXferSize()
	if mdts == 0 || minPage == 0 {
		return trMax
	}
	devMax := minPage << mdts
	if trMax != 0 && trMax < devMax {
		return trMax
	}
	return devMax
}

// MemoryDomains returns the transport's advertised memory domains.
func (c *Controller) MemoryDomains() []transport.MemoryDomainDescriptor {
	return c.tr.GetMemoryDomains()
}

// DomainRegistry returns the process-wide DMA memory domain registry.
func (c *Controller) DomainRegistry() *dma.Registry {
	return c.domains
}

// setState transitions the state machine, resetting the submitted flag
// and (for action states) arming a fresh deadline. mu must be held.
func (c *Controller) setState(s State, timeoutMs int) {
	from := c.state.String()
	c.state = s
	c.submitted = false
	if timeoutMs == constants.Infinite {
		c.noDeadline = true
	} else if timeoutMs != constants.KeepExisting {
		c.noDeadline = false
		c.deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	c.observer.ObserveStateTransition(from, s.String())
	c.logger.Debug("controller state transition", "from", from, "to", s.String())
}

// fail transitions to ERROR with timeout checking disabled; completion
// callbacks either move the machine forward or land here. mu must be
// held.
func (c *Controller) fail(reason error) {
	if !c.opts.DisableErrorLogging {
		c.logger.Warn("controller entering ERROR state",
			"ctrlr", c.tr.PrintableAddress(), "reason", fmt.Sprint(reason))
	}
	c.setState(StateError, constants.Infinite)
	c.isFailed = true
}

// readyTimeoutMs is CAP.TO x 500ms, the upper bound for every "wait
// for CSTS.RDY" transition. mu must be held.
func (c *Controller) readyTimeoutMs() int {
	t := int(c.regs.CAP.TO) * 500
	if t == 0 {
		t = readyTimeoutFallbackMs
	}
	return t
}

const readyTimeoutFallbackMs = 5000

// ProcessInit advances the state machine at most one step, returning
// an error if the state is (or just became) ERROR, or if the current
// state's deadline has elapsed. Completions are drained first, with
// the lock released, so callbacks registered by earlier steps can
// re-enter it.
func (c *Controller) ProcessInit() error {
	if _, err := c.tr.ProcessCompletions(constants.MaxAsyncEvents); err != nil {
		c.mu.Lock()
		c.fail(err)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateError {
		return fmt.Errorf("ctrlr: state machine in ERROR")
	}
	if c.state == StateReady {
		return nil
	}

	if !c.noDeadline && time.Now().After(c.deadline) {
		c.fail(fmt.Errorf("timed out in state %s", c.state))
		return fmt.Errorf("ctrlr: timed out in state %s", c.state)
	}

	if c.submitted {
		// Waiting on a callback; nothing more to do this tick.
		return nil
	}

	if err := c.step(); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

// step performs the work for the current state and, for asynchronous
// states, marks submitted so ProcessInit doesn't resubmit while
// waiting for the completion callback. mu must be held.
func (c *Controller) step() error {
	switch c.state {
	case StateInitDelay:
		c.setState(StateConnectAdminQ, c.opts.AdminTimeoutMs)
		return nil

	case StateConnectAdminQ:
		// The admin queue's transport link is assumed established by
		// whatever constructed c.tr; the Transport contract only has a
		// connect step for I/O qpairs. Proceed straight to register
		// reads.
		c.setState(StateWaitForConnectAdminQ, constants.KeepExisting)
		c.setState(StateReadVS, c.opts.AdminTimeoutMs)
		return nil

	case StateReadVS:
		c.submitted = true
		return c.tr.GetReg4Async(regtypes.OffsetVS, func(value uint64, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
			c.regs.VS = regtypes.DecodeVS(uint32(value))
			c.setState(StateReadCAP, c.opts.AdminTimeoutMs)
		})

	case StateReadCAP:
		c.submitted = true
		return c.tr.GetReg8Async(regtypes.OffsetCAP, func(value uint64, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
			c.regs.CAP = regtypes.DecodeCAP(value)
			c.regs.MinPageSize = regtypes.PageSizeFromMPSMin(c.regs.CAP.MPSMIN)
			c.regs.PageSize = c.regs.MinPageSize
			c.flags.WRR = c.regs.CAP.AMS&regtypes.AMSWeightedRoundRobin != 0
			c.opts = c.opts.Normalize(uint32(c.regs.CAP.MQES) + 1)
			c.setState(StateCheckEn, c.opts.AdminTimeoutMs)
		})

	case StateCheckEn:
		if c.quirkBits.Has(quirks.DelayBeforeChkRdy) {
			time.Sleep(constants.DelayBeforeChkRdyQuirk)
		}
		c.submitted = true
		return c.tr.GetReg4Async(regtypes.OffsetCC, func(value uint64, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
			c.regs.CC = regtypes.DecodeCC(uint32(value))
			if c.regs.CC.EN {
				c.setState(StateDisableWaitForReady1, c.readyTimeoutMs())
			} else {
				c.setState(StateDisableWaitForReady0, c.readyTimeoutMs())
			}
		})

	case StateDisableWaitForReady1:
		return c.pollCSTS(func(csts regtypes.CSTS) {
			if !csts.RDY {
				return
			}
			c.setState(StateSetEn0, c.readyTimeoutMs())
		})

	case StateSetEn0:
		c.submitted = true
		cc := c.regs.CC
		cc.EN = false
		return c.tr.SetReg4Async(regtypes.OffsetCC, cc.Encode(), func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
			c.regs.CC.EN = false
			c.setState(StateDisableWaitForReady0, c.readyTimeoutMs())
		})

	case StateDisableWaitForReady0:
		return c.pollCSTS(func(csts regtypes.CSTS) {
			if csts.RDY {
				return
			}
			c.setState(StateEnable, c.opts.AdminTimeoutMs)
		})

	case StateEnable:
		if c.regs.CC.EN {
			// Enabling an already-enabled controller would be a machine
			// bug: DISABLE_WAIT_FOR_READY_0 must have run first.
			return fmt.Errorf("enable requested with CC.EN already 1")
		}
		c.submitted = true
		cc, err := composeCC(c.opts, c.regs.CAP, c.regs.PageSize)
		if err != nil {
			return err
		}
		c.regs.CC = cc
		return c.tr.SetReg4Async(regtypes.OffsetCC, cc.Encode(), func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil {
				c.fail(err)
				return
			}
			c.setState(StateEnableWaitForReady1, c.readyTimeoutMs())
		})

	case StateEnableWaitForReady1:
		return c.pollCSTS(func(csts regtypes.CSTS) {
			if !csts.RDY {
				return
			}
			// 100us grace after first observing RDY.
			time.Sleep(100 * time.Microsecond)
			c.setState(StateResetAdminQueue, c.opts.AdminTimeoutMs)
		})

	case StateResetAdminQueue:
		// Admin SQ/CQ head/tail bookkeeping belongs to the transport;
		// this core has nothing further to reset here.
		c.setState(StateIdentify, c.opts.AdminTimeoutMs)
		return nil

	case StateIdentify:
		c.submitted = true
		buf := make([]byte, constants.IdentifyDataSize)
		cmd := admin.Identify(admin.CNSController, 0, buf)
		return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil || !cpl.Status.Success() {
				c.fail(fmt.Errorf("identify controller failed: %v status=%+v", err, cpl.Status))
				return
			}
			c.cdata = ParseIdentifyControllerData(buf)
			c.flags.SGLSupported = c.cdata.SGLSupported()
			c.flags.SGLRequiresDwordAlign = c.cdata.SGLRequiresDwordAlign()
			c.flags.CompareAndWrite = c.cdata.CompareSupported()
			c.flags.SecuritySendRecv = c.cdata.SecuritySupported()
			c.flags.Directives = c.cdata.DirectivesSupported()
			if c.ns == nil {
				c.ns = nsregistry.New(c.cdata.NN)
			}
			c.setState(StateConfigureAER, c.opts.AdminTimeoutMs)
		})

	case StateConfigureAER:
		c.submitted = true
		mask := asyncEventConfigMask(c.regs.VS, c.cdata)
		cmd := admin.SetFeatures(admin.FeatureAsyncEventConfiguration, mask, nil)
		return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil || !cpl.Status.Success() {
				c.fail(fmt.Errorf("configure AER failed: %v", err))
				return
			}
			c.aerSlab.Configure(c.cdata.AERL)
			if err := c.aerSlab.SubmitAll(c.tr, c.onAERCompletion); err != nil {
				c.fail(err)
				return
			}
			c.observer.ObserveAEREvent("submitted")
			c.setState(StateSetKeepAliveTimeout, c.opts.AdminTimeoutMs)
		})

	case StateSetKeepAliveTimeout:
		return c.setKeepAliveTimeout()

	case StateIdentifyIOCSSpecific:
		return c.identifyIOCSSpecific()

	case StateGetZNSCmdEffectsLog:
		return c.getZNSCommandEffectsLog()

	case StateSetNumQueues:
		c.submitted = true
		cdw11 := uint32(c.opts.NumIOQueues-1) | uint32(c.opts.NumIOQueues-1)<<16
		cmd := admin.SetFeatures(admin.FeatureNumberOfQueues, cdw11, nil)
		return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err != nil || !cpl.Status.Success() {
				c.fail(fmt.Errorf("set number of queues failed: %v", err))
				return
			}
			granted := (cpl.CDW0 & 0xFFFF) + 1
			if int(granted) < c.opts.NumIOQueues {
				c.opts.NumIOQueues = int(granted)
			}
			c.qids = qpair.NewIDPool(uint16(c.opts.NumIOQueues))
			// Qpairs surviving a reset keep their qids; mark them taken
			// before anything else allocates.
			for qid := range c.qpairs {
				c.qids.Reserve(qid)
			}
			c.lastActiveNSIDs = nil
			c.lastActiveNSStart = 0
			c.setState(StateIdentifyActiveNS, c.opts.AdminTimeoutMs)
		})

	case StateIdentifyActiveNS:
		return c.identifyActiveNS()

	case StateIdentifyNS:
		return c.identifyPerNS()

	case StateIdentifyIDDescs:
		return c.identifyIDDescs()

	case StateIdentifyNSIOCSSpecific:
		return c.identifyNSIOCSSpecific()

	case StateSetSupportedLogPages:
		return c.maybeInitANA()

	case StateSetSupportedIntelLogPages:
		return c.maybeReadIntelLogDirectory()

	case StateSetSupportedFeatures:
		return c.maybeSetArbitration()

	case StateSetDBBufCfg:
		return c.maybeSetDoorbellBufferConfig()

	case StateSetHostID:
		return c.setHostID()

	default:
		return fmt.Errorf("ctrlr: unhandled state %s", c.state)
	}
}

// enterReady finishes bring-up bookkeeping and parks the machine in
// READY. mu must be held.
func (c *Controller) enterReady() {
	if c.keepAliveIntervalMs > 0 {
		c.keepAliveNextTick = time.Now().Add(time.Duration(c.keepAliveIntervalMs) * time.Millisecond)
	}
	c.setState(StateReady, constants.Infinite)
}

// pollCSTS reads CSTS once and invokes onRead with the decoded value;
// onRead is responsible for calling setState if the wait condition is
// satisfied. mu must be held.
func (c *Controller) pollCSTS(onRead func(regtypes.CSTS)) error {
	c.submitted = true
	start := time.Now()
	return c.tr.GetReg4Async(regtypes.OffsetCSTS, func(value uint64, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.observer.ObserveRegisterOp("CSTS", uint64(time.Since(start)), err)
		if err != nil {
			c.fail(err)
			return
		}
		csts := regtypes.DecodeCSTS(uint32(value))
		c.regs.CSTS = csts
		before := c.state
		onRead(csts)
		if c.state == before {
			// condition not yet satisfied; allow ProcessInit to poll
			// again next tick.
			c.submitted = false
		}
	})
}

// submitTracked submits an admin command with inflight bookkeeping so
// the per-process timeout callbacks can spot stuck commands. mu must
// be held; the transport must not invoke callbacks inline.
func (c *Controller) submitTracked(cmd *transport.Command, cb transport.AdminCompletionFunc) error {
	c.inflightSeq++
	seq := c.inflightSeq
	c.inflight[seq] = &inflightCmd{opcode: cmd.Opcode, submittedAt: time.Now()}
	start := time.Now()
	err := c.tr.SubmitAdminRequest(cmd, func(cpl transport.Completion, cmdErr error) {
		c.mu.Lock()
		delete(c.inflight, seq)
		obs := c.observer
		c.mu.Unlock()
		obs.ObserveAdminCompletion(cmd.Opcode, uint64(time.Since(start)), cmdErr == nil && cpl.Status.Success())
		cb(cpl, cmdErr)
	})
	if err != nil {
		delete(c.inflight, seq)
	}
	return err
}

// attachedPIDs snapshots the pids of every attached process. mu may be
// held.
func (c *Controller) attachedPIDs() []int {
	procs := c.procs.All()
	pids := make([]int, 0, len(procs))
	for _, p := range procs {
		pids = append(pids, p.PID)
	}
	return pids
}
