// Package admin builds NVMe admin command DWORDs for submission
// through a transport.Transport, plus the completion-status policy
// that decides which non-success statuses the state machine
// tolerates. Field layouts follow the NVMe base specification's admin
// command set.
package admin

import "github.com/nvme-go/nvmectrlr/internal/transport"

// Opcode is an NVMe admin command opcode.
type Opcode uint8

const (
	OpcodeDeleteIOSQ            Opcode = 0x00
	OpcodeCreateIOSQ            Opcode = 0x01
	OpcodeGetLogPage            Opcode = 0x02
	OpcodeDeleteIOCQ            Opcode = 0x04
	OpcodeCreateIOCQ            Opcode = 0x05
	OpcodeIdentify              Opcode = 0x06
	OpcodeAbort                 Opcode = 0x08
	OpcodeSetFeatures           Opcode = 0x09
	OpcodeGetFeatures           Opcode = 0x0A
	OpcodeAsyncEventRequest     Opcode = 0x0C
	OpcodeNSManagement          Opcode = 0x0D
	OpcodeFirmwareCommit        Opcode = 0x10
	OpcodeFirmwareImageDownload Opcode = 0x11
	OpcodeDoorbellBufferConfig  Opcode = 0x7C
	OpcodeNSAttachment          Opcode = 0x15
	OpcodeKeepAlive             Opcode = 0x18
	OpcodeDirectiveSend         Opcode = 0x19
	OpcodeDirectiveReceive      Opcode = 0x1A
	OpcodeSecuritySend          Opcode = 0x81
	OpcodeSecurityReceive       Opcode = 0x82
	OpcodeSanitize              Opcode = 0x84
	OpcodeFormatNVM             Opcode = 0x80
)

// CNS is the Identify command's Controller-or-Namespace-Structure
// selector.
type CNS uint8

const (
	CNSNamespace          CNS = 0x00
	CNSController         CNS = 0x01
	CNSActiveNSList       CNS = 0x02
	CNSNSIdentDescriptors CNS = 0x03
	CNSIOCSNamespace      CNS = 0x05
	CNSIOCSController     CNS = 0x06
)

// FeatureID selects a Set/Get Features attribute.
type FeatureID uint8

const (
	FeatureArbitration             FeatureID = 0x01
	FeaturePowerManagement         FeatureID = 0x02
	FeatureNumberOfQueues          FeatureID = 0x07
	FeatureAsyncEventConfiguration FeatureID = 0x0B
	FeatureKeepAliveTimer          FeatureID = 0x0F
	FeatureHostIdentifier          FeatureID = 0x81
)

// LogPageID selects a Get Log Page identifier.
type LogPageID uint8

const (
	LogPageError                LogPageID = 0x01
	LogPageSMARTHealth          LogPageID = 0x02
	LogPageFirmwareSlot         LogPageID = 0x03
	LogPageChangedNamespaceList LogPageID = 0x04
	LogPageCommandsSupported    LogPageID = 0x05
	LogPageANA                  LogPageID = 0x0C
	LogPageIntelDirectory       LogPageID = 0xC0
)

// CSI values carried in Identify CDW11 / Get Log Page CDW14.
const (
	CSINVM      uint8 = 0x00
	CSIKeyValue uint8 = 0x01
	CSIZNS      uint8 = 0x02
)

// Identify composes an Identify command for the given CNS selector.
// nsid is ignored (and should be 0) unless cns selects a
// namespace-scoped structure.
func Identify(cns CNS, nsid uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeIdentify),
		NSID:   nsid,
		CDW10:  uint32(cns),
		Data:   data,
	}
}

// IdentifyActiveNSList composes an Identify Active Namespace List
// command returning nsids greater than startNSID, one 1024-entry page
// at a time.
func IdentifyActiveNSList(startNSID uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeIdentify),
		NSID:   startNSID,
		CDW10:  uint32(CNSActiveNSList),
		Data:   data,
	}
}

// IdentifyCSI composes an I/O-command-set-specific Identify command
// (CNS 0x05/0x06), carrying the CSI selector in CDW11 bits [31:24].
func IdentifyCSI(cns CNS, nsid uint32, csi uint8, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeIdentify),
		NSID:   nsid,
		CDW10:  uint32(cns),
		CDW11:  uint32(csi) << 24,
		Data:   data,
	}
}

// SetFeatures composes a Set Features command.
func SetFeatures(fid FeatureID, cdw11 uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeSetFeatures),
		CDW10:  uint32(fid),
		CDW11:  cdw11,
		Data:   data,
	}
}

// GetFeatures composes a Get Features command.
func GetFeatures(fid FeatureID, cdw11 uint32) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeGetFeatures),
		CDW10:  uint32(fid),
		CDW11:  cdw11,
	}
}

// GetLogPage composes a Get Log Page command. numDwords is the
// zero-based number of dwords to transfer, split across CDW10's upper
// bits and CDW11 per the NVMe spec's NUMDL/NUMDU fields.
func GetLogPage(lid LogPageID, nsid uint32, numDwords uint32, data []byte) *transport.Command {
	numdl := numDwords & 0xFFFF
	numdu := (numDwords >> 16) & 0xFFFF
	return &transport.Command{
		Opcode: uint8(OpcodeGetLogPage),
		NSID:   nsid,
		CDW10:  uint32(lid) | (numdl << 16),
		CDW11:  numdu,
		Data:   data,
	}
}

// GetLogPageCSI composes a Get Log Page command scoped to an I/O
// command set, carrying the CSI selector in CDW14 bits [31:24].
func GetLogPageCSI(lid LogPageID, nsid uint32, numDwords uint32, csi uint8, data []byte) *transport.Command {
	cmd := GetLogPage(lid, nsid, numDwords, data)
	cmd.CDW14 = uint32(csi) << 24
	return cmd
}

// Abort composes an Abort command targeting a submission queue/command
// id pair.
func Abort(sqid uint16, cid uint16) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeAbort),
		CDW10:  uint32(sqid) | (uint32(cid) << 16),
	}
}

// KeepAlive composes a Keep Alive command; only the opcode is set.
func KeepAlive() *transport.Command {
	return &transport.Command{Opcode: uint8(OpcodeKeepAlive)}
}

// AsyncEventRequest composes an Asynchronous Event Request command.
func AsyncEventRequest() *transport.Command {
	return &transport.Command{Opcode: uint8(OpcodeAsyncEventRequest)}
}

// FormatNVM composes a Format NVM command.
func FormatNVM(nsid uint32, lbaf uint8, ses uint8) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeFormatNVM),
		NSID:   nsid,
		CDW10:  uint32(lbaf) | (uint32(ses) << 9),
	}
}

// FirmwareImageDownload composes a Firmware Image Download command.
func FirmwareImageDownload(numDwords uint32, offsetDwords uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeFirmwareImageDownload),
		CDW10:  numDwords - 1,
		CDW11:  offsetDwords,
		Data:   data,
	}
}

// FirmwareCommit composes a Firmware Commit command.
func FirmwareCommit(slot uint8, action uint8) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeFirmwareCommit),
		CDW10:  uint32(slot&0x7) | (uint32(action&0x7) << 3),
	}
}

// DoorbellBufferConfig composes a Doorbell Buffer Config command.
func DoorbellBufferConfig(dbAddr, eventIdxAddr uint64) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeDoorbellBufferConfig),
		CDW10:  uint32(dbAddr),
		CDW11:  uint32(dbAddr >> 32),
		CDW12:  uint32(eventIdxAddr),
		CDW13:  uint32(eventIdxAddr >> 32),
	}
}

// NSManagementCreate composes an NS Management (Create) command.
func NSManagementCreate(data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeNSManagement),
		CDW10:  0, // SEL=0 (create)
		Data:   data,
	}
}

// NSManagementDelete composes an NS Management (Delete) command.
func NSManagementDelete(nsid uint32) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeNSManagement),
		NSID:   nsid,
		CDW10:  1, // SEL=1 (delete)
	}
}

// NSAttachmentAttach composes an NS Attachment (Attach controller)
// command.
func NSAttachmentAttach(nsid uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeNSAttachment),
		NSID:   nsid,
		CDW10:  0,
		Data:   data,
	}
}

// NSAttachmentDetach composes an NS Attachment (Detach controller)
// command.
func NSAttachmentDetach(nsid uint32, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeNSAttachment),
		NSID:   nsid,
		CDW10:  1,
		Data:   data,
	}
}

// SecuritySend composes a Security Send command.
func SecuritySend(spsp uint16, secp uint8, data []byte) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeSecuritySend),
		CDW10:  uint32(secp)<<24 | uint32(spsp)<<8,
		CDW11:  uint32(len(data)),
		Data:   data,
	}
}

// SecurityReceive composes a Security Receive command.
func SecurityReceive(spsp uint16, secp uint8, allocLen uint32) *transport.Command {
	return &transport.Command{
		Opcode: uint8(OpcodeSecurityReceive),
		CDW10:  uint32(secp)<<24 | uint32(spsp)<<8,
		CDW11:  allocLen,
	}
}

// StatusPolicy decides which non-success completion statuses an admin
// helper tolerates rather than surfacing as a fatal error to its
// caller. Each admin helper consults the policy relevant to its own
// semantics; there is no single global allow-list.
type StatusPolicy int

const (
	// PolicyStrict surfaces every non-success status as an error.
	PolicyStrict StatusPolicy = iota
	// PolicyToleratesInvalidField additionally treats Invalid Field in
	// Command as non-fatal (used by optional Get Features probes during
	// bring-up, e.g. probing for unsupported features).
	PolicyToleratesInvalidField
)

// Tolerates reports whether status should be treated as non-fatal
// under policy.
func Tolerates(policy StatusPolicy, status transport.CompletionStatus) bool {
	if status.Success() {
		return true
	}
	switch policy {
	case PolicyToleratesInvalidField:
		return status.IsInvalidField()
	default:
		return false
	}
}
