package ctrlr

import "github.com/nvme-go/nvmectrlr/internal/constants"

// ArbitrationMechanism selects the submission queue arbitration scheme,
// mirroring CAP.AMS's three possible values.
type ArbitrationMechanism uint8

const (
	ArbitrationRoundRobin ArbitrationMechanism = iota
	ArbitrationWeightedRoundRobin
	ArbitrationVendorSpecific
)

// Options is the caller-tunable controller configuration. Bounded
// fields are clamped against device capability in Normalize rather
// than rejected up front.
type Options struct {
	NumIOQueues int

	UseCMBSQs         bool
	NoSHNNotification bool

	ArbMechanism         ArbitrationMechanism
	ArbitrationBurst     uint8
	LowPriorityWeight    uint8
	MediumPriorityWeight uint8
	HighPriorityWeight   uint8

	KeepAliveTimeoutMs int

	IOQueueSize     uint32
	IOQueueRequests uint32
	AdminQueueSize  uint32

	HostNQN        string
	HostID         [8]byte
	ExtendedHostID [16]byte

	// CommandSet requests a CSS value; >= 8 means "choose the best
	// advertised one".
	CommandSet uint8

	AdminTimeoutMs int

	DisableErrorLogging   bool
	DisableReadANALogPage bool
}

// DefaultOptions returns the default controller options: permissive
// values here, clamped against device capability later in Normalize.
func DefaultOptions() Options {
	return Options{
		NumIOQueues:        1,
		ArbMechanism:       ArbitrationRoundRobin,
		KeepAliveTimeoutMs: 10_000,
		IOQueueSize:        256,
		IOQueueRequests:    256,
		AdminQueueSize:     32,
		CommandSet:         0xFF, // choose best
		AdminTimeoutMs:     constants.DefaultAdminTimeoutMs,
	}
}

func clampU32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps every bounded field to its legal range. mqes is
// CAP.MQES+1, the device's own queue-depth ceiling.
func (o Options) Normalize(mqes uint32) Options {
	o.NumIOQueues = clampInt(o.NumIOQueues, constants.MinIOQueues, constants.MaxIOQueues)
	o.IOQueueSize = clampU32(o.IOQueueSize, constants.MinIOQueueSize, constants.MaxIOQueueSize)
	if mqes > 0 && o.IOQueueSize > mqes {
		o.IOQueueSize = mqes
	}
	if o.IOQueueRequests < o.IOQueueSize {
		o.IOQueueRequests = o.IOQueueSize
	}
	o.AdminQueueSize = clampU32(o.AdminQueueSize, constants.MinAdminQueueSize, constants.MaxAdminQueueSize)
	return o
}
