// Package bootpart implements the boot-partition read/write state
// machine: a small, separate FSM from the main controller init/reset
// machine, driving firmware image download and commit through
// BPRSEL/BPMBL/BPINFO register access.
package bootpart

import (
	"fmt"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// ReadState mirrors the BPINFO.BRS (Boot Read Status) field.
type ReadState uint8

const (
	ReadNone ReadState = iota
	ReadInProgress
	ReadSuccess
	ReadFailed
)

// WriteState drives the write side's own small FSM.
type WriteState int

const (
	WriteIdle WriteState = iota
	WriteDownloading
	WriteDownloaded
	WriteReplace
	WriteActivate
	WriteDone
	WriteError
)

func (s WriteState) String() string {
	switch s {
	case WriteIdle:
		return "IDLE"
	case WriteDownloading:
		return "DOWNLOADING"
	case WriteDownloaded:
		return "DOWNLOADED"
	case WriteReplace:
		return "REPLACE"
	case WriteActivate:
		return "ACTIVATE"
	case WriteDone:
		return "DONE"
	case WriteError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FWCommitAction mirrors the Firmware Commit command's CA field values
// relevant to boot partitions.
const (
	fwCommitReplaceBootPartition  uint8 = 0x06
	fwCommitActivateBootPartition uint8 = 0x07
)

// Boot-partition register byte offsets, per the NVMe base
// specification.
const (
	OffsetBPINFO uint32 = 0x40
	OffsetBPRSEL uint32 = 0x44
	OffsetBPMBL  uint32 = 0x48
)

// StartRead begins a boot-partition read into payloadPhysAddr
// (bpid/bprof/bprsz select which partition and how much of it):
// write BPMBL then BPRSEL, both asynchronously.
func StartRead(tr transport.Transport, bpid uint8, bprof uint8, bprsz uint32, payloadPhysAddr uint64, cb transport.RegisterWriteCompletionFunc) error {
	if err := tr.SetReg8Async(OffsetBPMBL, payloadPhysAddr, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		bprsel := uint32(bprsz) | uint32(bprof)<<10 | uint32(bpid)<<16
		if err := tr.SetReg4Async(OffsetBPRSEL, bprsel, cb); err != nil {
			cb(err)
		}
	}); err != nil {
		return err
	}
	return nil
}

// PollRead reads BPINFO and reports the current read state
// (BPINFO.BRS, bits [25:24]). The caller should keep polling while it
// returns ReadInProgress.
func PollRead(tr transport.Transport) (ReadState, error) {
	raw, err := tr.GetReg4(OffsetBPINFO)
	if err != nil {
		return ReadFailed, err
	}
	return ReadState((raw >> 24) & 0x3), nil
}

// WriteRequest drives a boot-partition write through
// DOWNLOADING -> DOWNLOADED -> REPLACE -> ACTIVATE.
type WriteRequest struct {
	state State

	bpid            uint8
	fwOffsetDwords  uint32
	fwSizeRemaining uint32
	fwTransferSize  uint32
	payload         []byte
	inflight        bool

	onComplete func(err error)
}

// State is exported so the controller's top-level pump can inspect
// write progress (e.g. for diagnostics) without reaching into
// unexported fields.
type State = WriteState

// NewWriteRequest begins tracking a boot-partition firmware write of
// len(payload) bytes in BootPartitionTransferChunk-sized pieces.
func NewWriteRequest(bpid uint8, payload []byte, onComplete func(err error)) *WriteRequest {
	return &WriteRequest{
		state:           WriteDownloading,
		bpid:            bpid,
		fwSizeRemaining: uint32(len(payload)),
		fwTransferSize:  constants.BootPartitionTransferChunk,
		payload:         payload,
		onComplete:      onComplete,
	}
}

// State returns the write request's current FSM state.
func (w *WriteRequest) State() WriteState { return w.state }

// Advance drives the write FSM one step, submitting the next
// Firmware-Image-Download chunk or Firmware-Commit as appropriate.
// Call repeatedly from the controller's admin-completion pump until
// State() reports WriteDone or WriteError; calls made while a
// submission is still outstanding are no-ops.
func (w *WriteRequest) Advance(tr transport.Transport) error {
	if w.inflight {
		return nil
	}
	switch w.state {
	case WriteDownloading:
		return w.submitNextChunk(tr)
	case WriteDownloaded:
		return w.submitCommit(tr, fwCommitReplaceBootPartition, WriteReplace)
	case WriteReplace:
		return w.submitCommit(tr, fwCommitActivateBootPartition, WriteActivate)
	case WriteActivate:
		w.state = WriteDone
		if w.onComplete != nil {
			w.onComplete(nil)
		}
		return nil
	default:
		return fmt.Errorf("bootpart: Advance called in terminal state %s", w.state)
	}
}

func (w *WriteRequest) submitNextChunk(tr transport.Transport) error {
	chunk := w.fwTransferSize
	if chunk > w.fwSizeRemaining {
		chunk = w.fwSizeRemaining
	}
	start := uint32(len(w.payload)) - w.fwSizeRemaining
	data := w.payload[start : start+chunk]

	numDwords := (chunk + 3) / 4
	cmd := admin.FirmwareImageDownload(numDwords, w.fwOffsetDwords, data)

	w.inflight = true
	err := tr.SubmitAdminRequest(cmd, func(c transport.Completion, err error) {
		w.inflight = false
		if err != nil || !c.Status.Success() {
			w.state = WriteError
			w.fail(err, c)
			return
		}
		w.fwOffsetDwords += numDwords
		w.fwSizeRemaining -= chunk
		if w.fwSizeRemaining == 0 {
			w.state = WriteDownloaded
		}
	})
	if err != nil {
		w.inflight = false
	}
	return err
}

func (w *WriteRequest) submitCommit(tr transport.Transport, action uint8, next WriteState) error {
	cmd := admin.FirmwareCommit(0, action)
	w.inflight = true
	err := tr.SubmitAdminRequest(cmd, func(c transport.Completion, err error) {
		w.inflight = false
		if err != nil || !c.Status.Success() {
			if c.Status.IsFirmwareRequiresReset() {
				// Not fatal for boot-partition activation; the caller
				// decides whether to reset.
				w.state = next
				return
			}
			w.state = WriteError
			w.fail(err, c)
			return
		}
		w.state = next
	})
	if err != nil {
		w.inflight = false
	}
	return err
}

func (w *WriteRequest) fail(err error, c transport.Completion) {
	if w.onComplete == nil {
		return
	}
	if err != nil {
		w.onComplete(err)
		return
	}
	w.onComplete(fmt.Errorf("bootpart: commit failed, status sct=0x%x sc=0x%x", c.Status.SCT, c.Status.SC))
}
