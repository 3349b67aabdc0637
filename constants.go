package nvme

import "github.com/nvme-go/nvmectrlr/internal/constants"

// Re-export constants for public API
const (
	DefaultAdminTimeoutMs = constants.DefaultAdminTimeoutMs
	MaxAsyncEvents        = constants.MaxAsyncEvents
	MinIOQueueSize        = constants.MinIOQueueSize
	MaxIOQueueSize        = constants.MaxIOQueueSize
	MinAdminQueueSize     = constants.MinAdminQueueSize
	MaxAdminQueueSize     = constants.MaxAdminQueueSize
	MinIOQueues           = constants.MinIOQueues
	MaxIOQueues           = constants.MaxIOQueues
	ActiveNSListPageSize  = constants.ActiveNSListPageSize
	IdentifyDataSize      = constants.IdentifyDataSize
)
