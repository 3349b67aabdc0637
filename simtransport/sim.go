// Package simtransport provides an in-memory simulated NVMe transport
// for tests and the nvme-probe example: a register file with
// enable/ready semantics, an admin command engine serving Identify,
// Features, Log Page and namespace-management requests from a
// configurable device model, and a completion queue drained by
// ProcessCompletions exactly the way a real transport's would be.
package simtransport

import (
	"fmt"
	"sync"

	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// ANAGroup describes one ANA group the simulated device reports.
type ANAGroup struct {
	GroupID uint32
	State   uint8
	NSIDs   []uint32
}

// Config is the simulated device's personality.
type Config struct {
	// Identify-controller fields.
	VID       uint16
	AERL      uint8 // 0's based
	ACL       uint8 // 0's based
	CMIC      uint8
	OAES      uint32
	OACS      uint16
	LPA       uint8
	NN        uint32
	NANAGRPID uint32

	// Register-level capabilities.
	Version   uint32 // VS raw; defaults to 1.4.0
	MQES      uint16 // 0's based; defaults to 255
	TimeoutTO uint8  // CAP.TO in 500ms units; defaults to 1
	CAPAms    uint8  // CAP.AMS capability bits
	CAPCss    uint8  // CAP.CSS bits; defaults to NVM
	NSSRS     bool
	BPS       bool

	// MaxIOQueues is what Set Features: Number of Queues grants;
	// defaults to 8.
	MaxIOQueues uint16

	// ActiveNSIDs is the device's current active namespace list.
	ActiveNSIDs []uint32

	// ANAGroups back the ANA log page.
	ANAGroups []ANAGroup

	// StartEnabled brings the device up with CC.EN=1/CSTS.RDY=1, as if
	// a previous driver left it running.
	StartEnabled bool

	// KeepAliveUnsupported makes Get/Set Features: Keep Alive Timer
	// answer invalid-field, like targets without the feature.
	KeepAliveUnsupported bool

	// ReadyDelayReads is how many CSTS reads it takes for RDY to
	// reflect an EN change; defaults to 1.
	ReadyDelayReads int
}

func (c Config) withDefaults() Config {
	if c.Version == 0 {
		c.Version = 1<<16 | 4<<8 // 1.4.0
	}
	if c.MQES == 0 {
		c.MQES = 255
	}
	if c.TimeoutTO == 0 {
		c.TimeoutTO = 1
	}
	if c.CAPCss == 0 {
		c.CAPCss = regtypes.CSSNVMCommandSet
	}
	if c.MaxIOQueues == 0 {
		c.MaxIOQueues = 8
	}
	if c.ReadyDelayReads == 0 {
		c.ReadyDelayReads = 1
	}
	return c
}

// simQpair is the opaque handle the device hands back for I/O qpairs.
type simQpair struct {
	id        uint16
	connected bool
}

// Device simulates one NVMe controller behind the transport seam.
// Every completion (register or admin) is queued and only delivered
// from ProcessCompletions, matching the contract the core's pump
// relies on.
type Device struct {
	mu  sync.Mutex
	cfg Config

	cc       uint32
	rdy      bool
	shst     uint8
	rdyDelay int // CSTS reads remaining until rdy tracks CC.EN
	nssr     uint32

	pending    []func()
	aerWaiters []transport.AdminCompletionFunc
	heldEvents []uint32 // events triggered with no AER outstanding

	qpairs map[*simQpair]struct{}

	// Fault injection.
	FailNextConnects int   // fail this many ConnectQpair calls
	FailNextCreates  int   // fail this many CreateIOQpair calls
	RegisterErr      error // every register op fails with this

	// Counters, for assertions.
	ccWrites     []uint32
	adminOpcodes []uint8
	registerOps  int
}

// New builds a simulated device from cfg.
func New(cfg Config) *Device {
	d := &Device{
		cfg:    cfg.withDefaults(),
		qpairs: make(map[*simQpair]struct{}),
	}
	if d.cfg.StartEnabled {
		d.cc = regtypes.CC{EN: true, IOSQES: 6, IOCQES: 4}.Encode()
		d.rdy = true
	}
	return d
}

var _ transport.Transport = (*Device)(nil)

// capRaw encodes the CAP register from the configuration.
func (d *Device) capRaw() uint64 {
	var raw uint64
	raw |= uint64(d.cfg.MQES)
	raw |= uint64(d.cfg.CAPAms&0x3) << 17
	raw |= uint64(d.cfg.TimeoutTO) << 24
	if d.cfg.NSSRS {
		raw |= 1 << 36
	}
	raw |= uint64(d.cfg.CAPCss) << 37
	if d.cfg.BPS {
		raw |= 1 << 45
	}
	return raw
}

// readReg serves one register read. mu must be held.
func (d *Device) readReg(offset uint32) uint64 {
	switch offset {
	case regtypes.OffsetCAP:
		return d.capRaw()
	case regtypes.OffsetVS:
		return uint64(d.cfg.Version)
	case regtypes.OffsetCC:
		return uint64(d.cc)
	case regtypes.OffsetCSTS:
		cc := regtypes.DecodeCC(d.cc)
		if d.rdyDelay > 0 {
			d.rdyDelay--
		} else {
			d.rdy = cc.EN
		}
		var raw uint32
		if d.rdy {
			raw |= 1
		}
		raw |= uint32(d.shst&0x3) << 2
		return uint64(raw)
	case regtypes.OffsetNSSR:
		return uint64(d.nssr)
	default:
		return 0
	}
}

// writeReg serves one register write. mu must be held.
func (d *Device) writeReg(offset uint32, value uint64) {
	switch offset {
	case regtypes.OffsetCC:
		prev := regtypes.DecodeCC(d.cc)
		next := regtypes.DecodeCC(uint32(value))
		d.cc = uint32(value)
		d.ccWrites = append(d.ccWrites, uint32(value))
		if prev.EN != next.EN {
			d.rdyDelay = d.cfg.ReadyDelayReads
		}
		if next.SHN != regtypes.ShnNone {
			d.shst = regtypes.ShstComplete
			d.rdy = false
		}
	case regtypes.OffsetNSSR:
		d.nssr = uint32(value)
	}
}

// --- synchronous register access ---

func (d *Device) GetReg4(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	if d.RegisterErr != nil {
		return 0, d.RegisterErr
	}
	return uint32(d.readReg(offset)), nil
}

func (d *Device) GetReg8(offset uint32) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	if d.RegisterErr != nil {
		return 0, d.RegisterErr
	}
	return d.readReg(offset), nil
}

func (d *Device) SetReg4(offset uint32, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	if d.RegisterErr != nil {
		return d.RegisterErr
	}
	d.writeReg(offset, uint64(value))
	return nil
}

func (d *Device) SetReg8(offset uint32, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	if d.RegisterErr != nil {
		return d.RegisterErr
	}
	d.writeReg(offset, value)
	return nil
}

// --- asynchronous register access: queued, delivered by ProcessCompletions ---

func (d *Device) GetReg4Async(offset uint32, cb transport.RegisterCompletionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	d.pending = append(d.pending, func() {
		d.mu.Lock()
		err := d.RegisterErr
		var v uint64
		if err == nil {
			v = d.readReg(offset)
		}
		d.mu.Unlock()
		cb(v, err)
	})
	return nil
}

func (d *Device) GetReg8Async(offset uint32, cb transport.RegisterCompletionFunc) error {
	return d.GetReg4Async(offset, cb)
}

func (d *Device) SetReg4Async(offset uint32, value uint32, cb transport.RegisterWriteCompletionFunc) error {
	return d.SetReg8Async(offset, uint64(value), cb)
}

func (d *Device) SetReg8Async(offset uint32, value uint64, cb transport.RegisterWriteCompletionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registerOps++
	d.pending = append(d.pending, func() {
		d.mu.Lock()
		err := d.RegisterErr
		if err == nil {
			d.writeReg(offset, value)
		}
		d.mu.Unlock()
		cb(err)
	})
	return nil
}

// --- queue pairs ---

func (d *Device) CreateIOQpair(opts transport.IOQpairOptions) (transport.QpairHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextCreates > 0 {
		d.FailNextCreates--
		return nil, fmt.Errorf("simtransport: create qpair %d refused", opts.Qid)
	}
	qp := &simQpair{id: opts.Qid}
	d.qpairs[qp] = struct{}{}
	return qp, nil
}

func (d *Device) ConnectQpair(h transport.QpairHandle) error {
	qp, ok := h.(*simQpair)
	if !ok {
		return fmt.Errorf("simtransport: foreign qpair handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailNextConnects > 0 {
		d.FailNextConnects--
		return fmt.Errorf("simtransport: connect qpair %d refused", qp.id)
	}
	qp.connected = true
	return nil
}

func (d *Device) DisconnectQpair(h transport.QpairHandle) error {
	if qp, ok := h.(*simQpair); ok {
		qp.connected = false
	}
	return nil
}

func (d *Device) DeleteIOQpair(h transport.QpairHandle) error {
	qp, ok := h.(*simQpair)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.qpairs, qp)
	return nil
}

func (d *Device) ResetQpair(h transport.QpairHandle) error { return nil }

func (d *Device) Enable() error   { return nil }
func (d *Device) Destruct() error { return nil }

func (d *Device) GetMaxXferSize() uint32 { return 128 * 1024 }
func (d *Device) GetMaxSGEs() uint32     { return 16 }

func (d *Device) GetMemoryDomains() []transport.MemoryDomainDescriptor { return nil }

// --- PCIe-only extensions ---

func (d *Device) ReserveCMB(size uint64) error     { return transport.ErrNotSupported }
func (d *Device) MapCMB() (uintptr, uint64, error) { return 0, 0, transport.ErrNotSupported }
func (d *Device) UnmapCMB() error                  { return transport.ErrNotSupported }
func (d *Device) EnablePMR() error                 { return transport.ErrNotSupported }
func (d *Device) DisablePMR() error                { return transport.ErrNotSupported }
func (d *Device) MapPMR() (uintptr, uint64, error) { return 0, 0, transport.ErrNotSupported }
func (d *Device) UnmapPMR() error                  { return transport.ErrNotSupported }

func (d *Device) PrintableAddress() string { return "sim:0000:00:00.0" }

// ProcessCompletions drains up to maxCompletions queued completions,
// invoking their callbacks.
func (d *Device) ProcessCompletions(maxCompletions int) (int, error) {
	n := 0
	for n < maxCompletions {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			break
		}
		fn := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		fn()
		n++
	}
	return n, nil
}

// AbortAERs completes every outstanding AER with the aborted-by-SQ-
// deletion status the core treats as "do not repost".
func (d *Device) AbortAERs() error {
	d.mu.Lock()
	waiters := d.aerWaiters
	d.aerWaiters = nil
	for _, cb := range waiters {
		cb := cb
		d.pending = append(d.pending, func() {
			cb(transport.Completion{Status: transport.CompletionStatus{
				SCT: transport.SCTGeneric, SC: transport.SCAbortedSQDeletion,
			}}, nil)
		})
	}
	d.mu.Unlock()
	return nil
}

// TriggerAsyncEvent completes one outstanding AER with result (the
// CDW0 an async event completion carries); if none is outstanding the
// event is held until the next AER arrives, like a real device's
// masked-event latch.
func (d *Device) TriggerAsyncEvent(result uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.aerWaiters) == 0 {
		d.heldEvents = append(d.heldEvents, result)
		return
	}
	cb := d.aerWaiters[0]
	d.aerWaiters = d.aerWaiters[1:]
	d.pending = append(d.pending, func() {
		cb(transport.Completion{CDW0: result, Status: transport.CompletionStatus{}}, nil)
	})
}

// SetActiveNSIDs replaces the device's active namespace list; pair
// with TriggerAsyncEvent to simulate a namespace-attribute change.
func (d *Device) SetActiveNSIDs(ids []uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.ActiveNSIDs = append([]uint32(nil), ids...)
}

// SetANAGroups replaces the device's ANA groups; pair with
// TriggerAsyncEvent to simulate an ANA change.
func (d *Device) SetANAGroups(groups []ANAGroup) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.ANAGroups = append([]ANAGroup(nil), groups...)
}

// CCWrites returns every value written to CC, oldest first.
func (d *Device) CCWrites() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.ccWrites...)
}

// AdminOpcodes returns every admin opcode submitted, oldest first.
func (d *Device) AdminOpcodes() []uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint8(nil), d.adminOpcodes...)
}

// NSSRValue returns what was last written to the NSSR register.
func (d *Device) NSSRValue() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nssr
}

// OutstandingAERs reports how many AERs the device is holding.
func (d *Device) OutstandingAERs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.aerWaiters)
}
