// Package nvme is the public façade over the NVMe host controller
// core: the bring-up/reset state machine, admin command engine,
// namespace registry, async-event subsystem, qpair lifecycle and DMA
// memory-domain registry. Callers construct a Controller against a
// transport, pump ProcessInit until READY, then pump
// ProcessAdminCompletions on a cadence.
package nvme

import (
	"os"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/aer"
	"github.com/nvme-go/nvmectrlr/internal/ctrlr"
	"github.com/nvme-go/nvmectrlr/internal/dma"
	"github.com/nvme-go/nvmectrlr/internal/logging"
	"github.com/nvme-go/nvmectrlr/internal/nsregistry"
	"github.com/nvme-go/nvmectrlr/internal/qpair"
	"github.com/nvme-go/nvmectrlr/internal/quirks"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// Re-exported collaborator types, so callers never import internal
// packages.
type (
	// Transport is the pluggable hardware seam; implementations live
	// outside this module.
	Transport = transport.Transport
	// Completion and CompletionStatus are NVMe completion queue entry
	// views.
	Completion       = transport.Completion
	CompletionStatus = transport.CompletionStatus
	// IOQpairOptions tunes AllocIOQpair.
	IOQpairOptions = transport.IOQpairOptions
	// QPrio is the submission queue arbitration priority.
	QPrio = transport.QPrio
	// Qpair is an allocated I/O queue pair.
	Qpair = qpair.Qpair
	// QpairState is a qpair's transport-level lifecycle state.
	QpairState = transport.QpairState
	// Options is the controller option set.
	Options = ctrlr.Options
	// PCIID keys the quirks table.
	PCIID = quirks.PCIID
	// Trid identifies the transport endpoint.
	Trid = ctrlr.Trid
	// State is an init/reset state machine position.
	State = ctrlr.State
	// Flags is the capability set derived during bring-up.
	Flags = ctrlr.Flags
	// IdentifyControllerData is the parsed CNS 0x01 response subset.
	IdentifyControllerData = ctrlr.IdentifyControllerData
	// AsyncEvent is one delivered asynchronous event.
	AsyncEvent = aer.Event
	// Namespace and NamespaceRegistry expose the controller's
	// namespace map.
	Namespace         = nsregistry.Namespace
	NamespaceRegistry = nsregistry.Registry
	// MemoryDomain is one entry of the process-wide DMA registry.
	MemoryDomain = dma.Domain
	// Logger is the leveled logger the core writes through.
	Logger = logging.Logger
)

// Frequently consulted states and enums.
const (
	StateReady = ctrlr.StateReady
	StateError = ctrlr.StateError

	QPrioURGENT = transport.QPrioURGENT
	QPrioHIGH   = transport.QPrioHIGH
	QPrioMEDIUM = transport.QPrioMEDIUM
	QPrioLOW    = transport.QPrioLOW

	QpairDisconnected = transport.QpairDisconnected
	QpairConnected    = transport.QpairConnected
	QpairEnabled      = transport.QpairEnabled

	FailureNone   = transport.FailureNone
	FailureLocal  = transport.FailureLocal
	FailureRemote = transport.FailureRemote

	ArbitrationRoundRobin         = ctrlr.ArbitrationRoundRobin
	ArbitrationWeightedRoundRobin = ctrlr.ArbitrationWeightedRoundRobin
	ArbitrationVendorSpecific     = ctrlr.ArbitrationVendorSpecific
)

// DefaultOptions returns the default controller options.
func DefaultOptions() Options { return ctrlr.DefaultOptions() }

// MemoryDomains returns the process-wide DMA memory domain registry.
func MemoryDomains() *dma.Registry { return dma.Global() }

// Controller is one attached NVMe controller. All core operations are
// promoted from the embedded state machine; the façade adds metrics
// wiring and convenience entry points bound to the calling process.
type Controller struct {
	*ctrlr.Controller

	tr      Transport
	metrics *Metrics
}

// NewController builds a controller over tr, identified by trid and
// (for quirk lookup) its PCI identity, with a metrics observer
// pre-installed. Pump ProcessInit until State() == StateReady.
func NewController(tr Transport, trid Trid, id PCIID, opts Options) *Controller {
	inner := ctrlr.New(tr, id, opts)
	inner.SetTrid(trid)
	m := NewMetrics()
	inner.SetObserver(NewMetricsObserver(m))
	return &Controller{Controller: inner, tr: tr, metrics: m}
}

// Metrics returns the controller's metrics instance.
func (c *Controller) Metrics() *Metrics { return c.metrics }

// WaitUntilReady pumps ProcessInit until the machine is terminal,
// returning nil on READY. Convenience for callers without their own
// event loop; everyone else calls ProcessInit themselves.
func (c *Controller) WaitUntilReady() error {
	for {
		if err := c.ProcessInit(); err != nil {
			return err
		}
		if c.State() == StateReady {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// AllocIOQpairCurrent allocates an I/O qpair owned by the calling
// process.
func (c *Controller) AllocIOQpairCurrent(opts IOQpairOptions) (*Qpair, error) {
	return c.AllocIOQpair(os.Getpid(), opts)
}

// SetAERHandler installs the calling process's async-event callback.
func (c *Controller) SetAERHandler(fn func(AsyncEvent)) {
	c.SetAERCallback(os.Getpid(), fn)
}
