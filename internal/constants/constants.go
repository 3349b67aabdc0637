// Package constants holds the tunables and sentinels shared across the
// controller core. Values mirror the NVMe base specification defaults
// except where a comment says otherwise.
package constants

import "time"

// Sentinels for state-timeout bookkeeping (see the ctrlr state machine).
const (
	// Infinite disables timeout checking for a state.
	Infinite = -1
	// KeepExisting leaves the current deadline untouched; used by
	// sub-states that are polling towards the same deadline as their
	// parent transition (e.g. the RDY=0/RDY=1 poll loops).
	KeepExisting = -2
)

// Default per-state and per-operation timeouts, in milliseconds.
const (
	DefaultAdminTimeoutMs  = 60_000
	DefaultResetWaitMs     = 250
	RegisterPollIntervalMs = 1
)

// AER bounds.
const (
	// MaxAsyncEvents bounds the AER slab regardless of what AERL+1 asks for.
	MaxAsyncEvents = 128
)

// Queue bounds (NVMe base spec + practical ceilings).
const (
	MinIOQueueSize    = 2
	MaxIOQueueSize    = 65536
	MinAdminQueueSize = 2
	MaxAdminQueueSize = 4096
	MinIOQueues       = 1
	MaxIOQueues       = 65534
)

// Quirk timing for known-quirky devices.
const (
	// DelayBeforeChkRdyQuirk is the pause before the first CSTS read on
	// controllers that need time to latch CC.EN before RDY reflects it.
	DelayBeforeChkRdyQuirk = 2500 * time.Microsecond
	// DelayAfterQueueAllocQuirk is the pause some transports need between
	// qid allocation and the create_io_qpair call.
	DelayAfterQueueAllocQuirk = 100 * time.Microsecond
)

// ActiveNSListPageSize is the number of nsids returned per Identify
// Active Namespace List (CNS 0x02) page.
const ActiveNSListPageSize = 1024

// IdentifyDataSize is the fixed size of every Identify command's data
// buffer (controller, namespace, or list structures all fit 4096 bytes).
const IdentifyDataSize = 4096

// BootPartitionTransferChunk is the conservative per-transfer cap used
// by the boot-partition write state machine's Firmware Image Download
// sub-commands.
const BootPartitionTransferChunk = 4096
