package simtransport

import (
	"sort"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

func success() transport.CompletionStatus {
	return transport.CompletionStatus{SCT: transport.SCTGeneric, SC: 0}
}

func invalidField() transport.CompletionStatus {
	return transport.CompletionStatus{SCT: transport.SCTGeneric, SC: transport.SCInvalidField}
}

// SubmitAdminRequest queues cmd for completion. Asynchronous Event
// Requests park until TriggerAsyncEvent or AbortAERs; everything else
// is answered from the device model on the next ProcessCompletions.
func (d *Device) SubmitAdminRequest(cmd *transport.Command, cb transport.AdminCompletionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adminOpcodes = append(d.adminOpcodes, cmd.Opcode)

	if cmd.Opcode == uint8(admin.OpcodeAsyncEventRequest) {
		if len(d.heldEvents) > 0 {
			result := d.heldEvents[0]
			d.heldEvents = d.heldEvents[1:]
			d.pending = append(d.pending, func() {
				cb(transport.Completion{CDW0: result, Status: success()}, nil)
			})
			return nil
		}
		d.aerWaiters = append(d.aerWaiters, cb)
		return nil
	}

	cpl := d.serveAdmin(cmd)
	d.pending = append(d.pending, func() { cb(cpl, nil) })
	return nil
}

// serveAdmin computes the response for one non-AER admin command.
// mu must be held.
func (d *Device) serveAdmin(cmd *transport.Command) transport.Completion {
	switch admin.Opcode(cmd.Opcode) {
	case admin.OpcodeIdentify:
		return d.serveIdentify(cmd)

	case admin.OpcodeSetFeatures:
		return d.serveSetFeatures(cmd)

	case admin.OpcodeGetFeatures:
		return d.serveGetFeatures(cmd)

	case admin.OpcodeGetLogPage:
		return d.serveGetLogPage(cmd)

	case admin.OpcodeKeepAlive:
		if d.cfg.KeepAliveUnsupported {
			return transport.Completion{Status: invalidField()}
		}
		return transport.Completion{Status: success()}

	case admin.OpcodeNSManagement:
		if cmd.CDW10&0xF == 0 { // create
			nsid := d.nextFreeNSID()
			d.cfg.ActiveNSIDs = append(d.cfg.ActiveNSIDs, nsid)
			return transport.Completion{CDW0: nsid, Status: success()}
		}
		d.removeNSID(cmd.NSID)
		return transport.Completion{Status: success()}

	case admin.OpcodeNSAttachment:
		return transport.Completion{Status: success()}

	case admin.OpcodeFormatNVM,
		admin.OpcodeFirmwareImageDownload,
		admin.OpcodeFirmwareCommit,
		admin.OpcodeAbort,
		admin.OpcodeDoorbellBufferConfig,
		admin.OpcodeSecuritySend,
		admin.OpcodeSecurityReceive:
		return transport.Completion{Status: success()}

	default:
		return transport.Completion{Status: invalidField()}
	}
}

func (d *Device) nextFreeNSID() uint32 {
	used := make(map[uint32]bool, len(d.cfg.ActiveNSIDs))
	for _, id := range d.cfg.ActiveNSIDs {
		used[id] = true
	}
	for id := uint32(1); id <= d.cfg.NN; id++ {
		if !used[id] {
			return id
		}
	}
	return d.cfg.NN
}

func (d *Device) removeNSID(nsid uint32) {
	out := d.cfg.ActiveNSIDs[:0]
	for _, id := range d.cfg.ActiveNSIDs {
		if id != nsid {
			out = append(out, id)
		}
	}
	d.cfg.ActiveNSIDs = out
}

func put16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func put32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func (d *Device) serveIdentify(cmd *transport.Command) transport.Completion {
	buf := cmd.Data
	if buf == nil {
		return transport.Completion{Status: invalidField()}
	}
	for i := range buf {
		buf[i] = 0
	}

	switch admin.CNS(cmd.CDW10 & 0xFF) {
	case admin.CNSController:
		put16(buf, 0, d.cfg.VID)
		put16(buf, 2, d.cfg.VID)
		buf[76] = d.cfg.CMIC
		put32(buf, 92, d.cfg.OAES)
		put16(buf, 256, d.cfg.OACS)
		buf[258] = d.cfg.ACL
		buf[259] = d.cfg.AERL
		buf[261] = d.cfg.LPA
		put32(buf, 516, d.cfg.NN)
		put32(buf, 568, d.cfg.NANAGRPID)
		return transport.Completion{Status: success()}

	case admin.CNSActiveNSList:
		ids := append([]uint32(nil), d.cfg.ActiveNSIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		off := 0
		for _, id := range ids {
			if id <= cmd.NSID {
				continue
			}
			if off+4 > len(buf) {
				break
			}
			put32(buf, off, id)
			off += 4
		}
		return transport.Completion{Status: success()}

	case admin.CNSNamespace:
		if !d.isActive(cmd.NSID) {
			return transport.Completion{Status: invalidField()}
		}
		put32(buf, 0, 0x1000) // NSZE, arbitrary but nonzero
		return transport.Completion{Status: success()}

	case admin.CNSNSIdentDescriptors, admin.CNSIOCSNamespace, admin.CNSIOCSController:
		return transport.Completion{Status: success()}

	default:
		return transport.Completion{Status: invalidField()}
	}
}

func (d *Device) isActive(nsid uint32) bool {
	for _, id := range d.cfg.ActiveNSIDs {
		if id == nsid {
			return true
		}
	}
	return false
}

func (d *Device) serveSetFeatures(cmd *transport.Command) transport.Completion {
	switch admin.FeatureID(cmd.CDW10 & 0xFF) {
	case admin.FeatureNumberOfQueues:
		requested := uint16(cmd.CDW11&0xFFFF) + 1
		granted := requested
		if granted > d.cfg.MaxIOQueues {
			granted = d.cfg.MaxIOQueues
		}
		cdw0 := uint32(granted-1) | uint32(granted-1)<<16
		return transport.Completion{CDW0: cdw0, Status: success()}

	case admin.FeatureKeepAliveTimer:
		if d.cfg.KeepAliveUnsupported {
			return transport.Completion{Status: invalidField()}
		}
		return transport.Completion{Status: success()}

	case admin.FeatureAsyncEventConfiguration,
		admin.FeatureArbitration,
		admin.FeatureHostIdentifier:
		return transport.Completion{Status: success()}

	default:
		return transport.Completion{Status: invalidField()}
	}
}

func (d *Device) serveGetFeatures(cmd *transport.Command) transport.Completion {
	switch admin.FeatureID(cmd.CDW10 & 0xFF) {
	case admin.FeatureKeepAliveTimer:
		if d.cfg.KeepAliveUnsupported {
			return transport.Completion{Status: invalidField()}
		}
		// CDW0 zero: no device-side override of the host's timeout.
		return transport.Completion{Status: success()}
	default:
		return transport.Completion{Status: invalidField()}
	}
}

func (d *Device) serveGetLogPage(cmd *transport.Command) transport.Completion {
	buf := cmd.Data
	if buf == nil {
		return transport.Completion{Status: invalidField()}
	}
	for i := range buf {
		buf[i] = 0
	}

	switch admin.LogPageID(cmd.CDW10 & 0xFF) {
	case admin.LogPageANA:
		d.fillANALog(buf)
		return transport.Completion{Status: success()}
	case admin.LogPageChangedNamespaceList,
		admin.LogPageError,
		admin.LogPageSMARTHealth,
		admin.LogPageFirmwareSlot,
		admin.LogPageCommandsSupported,
		admin.LogPageIntelDirectory:
		return transport.Completion{Status: success()}
	default:
		return transport.Completion{Status: invalidField()}
	}
}

// fillANALog writes the ANA log page layout the core parses: a 16-byte
// header holding the descriptor count, then per group a 32-byte
// descriptor (group id, nsid count, state at byte 16) trailed by its
// nsid list.
func (d *Device) fillANALog(buf []byte) {
	const (
		headerSize = 16
		descSize   = 32
	)
	put32(buf, 0, uint32(len(d.cfg.ANAGroups)))
	off := headerSize
	for _, g := range d.cfg.ANAGroups {
		if off+descSize+4*len(g.NSIDs) > len(buf) {
			break
		}
		put32(buf, off, g.GroupID)
		put32(buf, off+4, uint32(len(g.NSIDs)))
		buf[off+16] = g.State
		off += descSize
		for _, nsid := range g.NSIDs {
			put32(buf, off, nsid)
			off += 4
		}
	}
}
