package ctrlr

import (
	"fmt"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/bootpart"
	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// statusErr converts a non-success completion into an error carrying
// the (SCT, SC) pair.
func statusErr(op string, cpl transport.Completion) error {
	return fmt.Errorf("ctrlr: %s failed: sct=%#x sc=%#x dnr=%v", op, cpl.Status.SCT, cpl.Status.SC, cpl.Status.DNR)
}

// adminSync submits one admin command and polls completions until it
// finishes, releasing the controller lock for the duration of the wait
// and bounding it with the admin time budget.
func (c *Controller) adminSync(cmd *transport.Command) (transport.Completion, error) {
	var (
		done bool
		rcpl transport.Completion
		rerr error
	)
	c.mu.Lock()
	if c.isRemoved {
		c.mu.Unlock()
		return transport.Completion{}, ErrControllerRemoved
	}
	err := c.submitTracked(cmd, func(cpl transport.Completion, cmdErr error) {
		done = true
		rcpl = cpl
		rerr = cmdErr
	})
	timeout := time.Duration(c.opts.AdminTimeoutMs) * time.Millisecond
	c.mu.Unlock()
	if err != nil {
		return transport.Completion{}, err
	}

	deadline := time.Now().Add(timeout)
	for !done {
		if _, err := c.tr.ProcessCompletions(constants.MaxAsyncEvents); err != nil {
			return transport.Completion{}, err
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			return transport.Completion{}, fmt.Errorf("ctrlr: admin command %#x timed out", cmd.Opcode)
		}
		time.Sleep(time.Duration(constants.RegisterPollIntervalMs) * time.Millisecond)
	}
	return rcpl, rerr
}

// refreshActiveNSSync re-identifies the active namespace list and
// reconciles the registry, blocking until the paging finishes. Called
// after every namespace-management operation.
func (c *Controller) refreshActiveNSSync() error {
	var (
		done bool
		rerr error
	)
	c.mu.Lock()
	err := c.refreshActiveNSPage(0, nil, func(e error) {
		done = true
		rerr = e
	})
	timeout := time.Duration(c.opts.AdminTimeoutMs) * time.Millisecond
	c.mu.Unlock()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for !done {
		if _, err := c.tr.ProcessCompletions(constants.MaxAsyncEvents); err != nil {
			return err
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ctrlr: active namespace refresh timed out")
		}
		time.Sleep(time.Duration(constants.RegisterPollIntervalMs) * time.Millisecond)
	}
	return rerr
}

// CreateNamespace sends NS Management (Create) with the caller-built
// namespace data structure, returning the new nsid. The active list is
// refreshed before returning regardless of outcome.
func (c *Controller) CreateNamespace(nsdata []byte) (uint32, error) {
	cpl, err := c.adminSync(admin.NSManagementCreate(nsdata))
	refreshErr := c.refreshActiveNSSync()
	if err != nil {
		return 0, err
	}
	if !cpl.Status.Success() {
		return 0, statusErr("create namespace", cpl)
	}
	if refreshErr != nil {
		return 0, refreshErr
	}
	return cpl.CDW0, nil
}

// DeleteNamespace sends NS Management (Delete) for nsid and refreshes
// the active list.
func (c *Controller) DeleteNamespace(nsid uint32) error {
	cpl, err := c.adminSync(admin.NSManagementDelete(nsid))
	refreshErr := c.refreshActiveNSSync()
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("delete namespace", cpl)
	}
	return refreshErr
}

// AttachNamespace attaches nsid to the controllers listed in
// ctrlrList (a controller list data structure) and refreshes the
// active list.
func (c *Controller) AttachNamespace(nsid uint32, ctrlrList []byte) error {
	cpl, err := c.adminSync(admin.NSAttachmentAttach(nsid, ctrlrList))
	refreshErr := c.refreshActiveNSSync()
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("attach namespace", cpl)
	}
	return refreshErr
}

// DetachNamespace detaches nsid from the controllers listed in
// ctrlrList and refreshes the active list.
func (c *Controller) DetachNamespace(nsid uint32, ctrlrList []byte) error {
	cpl, err := c.adminSync(admin.NSAttachmentDetach(nsid, ctrlrList))
	refreshErr := c.refreshActiveNSSync()
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("detach namespace", cpl)
	}
	return refreshErr
}

// Format sends Format NVM for nsid (or the broadcast nsid) and
// refreshes the active list, since a format can change namespace
// attributes out from under the registry.
func (c *Controller) Format(nsid uint32, lbaf, ses uint8) error {
	cpl, err := c.adminSync(admin.FormatNVM(nsid, lbaf, ses))
	refreshErr := c.refreshActiveNSSync()
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("format", cpl)
	}
	return refreshErr
}

// GetLogPageSync reads one log page into buf.
func (c *Controller) GetLogPageSync(lid admin.LogPageID, nsid uint32, buf []byte) error {
	numDwords := uint32(len(buf)/4) - 1
	cpl, err := c.adminSync(admin.GetLogPage(lid, nsid, numDwords, buf))
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("get log page", cpl)
	}
	return nil
}

// GetFeatureSync reads one feature, returning the completion's CDW0.
func (c *Controller) GetFeatureSync(fid admin.FeatureID, cdw11 uint32) (uint32, error) {
	cpl, err := c.adminSync(admin.GetFeatures(fid, cdw11))
	if err != nil {
		return 0, err
	}
	if !cpl.Status.Success() {
		return 0, statusErr("get features", cpl)
	}
	return cpl.CDW0, nil
}

// SetFeatureSync writes one feature, returning the completion's CDW0.
func (c *Controller) SetFeatureSync(fid admin.FeatureID, cdw11 uint32, data []byte) (uint32, error) {
	cpl, err := c.adminSync(admin.SetFeatures(fid, cdw11, data))
	if err != nil {
		return 0, err
	}
	if !cpl.Status.Success() {
		return 0, statusErr("set features", cpl)
	}
	return cpl.CDW0, nil
}

// Firmware commit actions, per the NVMe base specification's CA field.
const (
	FWCommitReplaceImage        uint8 = 0x0
	FWCommitReplaceAndActivate  uint8 = 0x1
	FWCommitActivateOnReset     uint8 = 0x2
	FWCommitActivateImmediately uint8 = 0x3
)

// UpdateFirmware downloads a firmware image in transport-sized chunks
// and commits it to slot with action. A commit answered with
// firmware-requires-conventional-reset is logged and treated as
// success after triggering the reset itself.
func (c *Controller) UpdateFirmware(payload []byte, slot uint8, action uint8) error {
	if len(payload) == 0 || len(payload)%4 != 0 {
		return fmt.Errorf("%w: firmware image must be a non-empty dword multiple", ErrInvalidParameters)
	}
	chunkSize := c.tr.GetMaxXferSize()
	if chunkSize == 0 || chunkSize > constants.BootPartitionTransferChunk {
		chunkSize = constants.BootPartitionTransferChunk
	}

	offsetDwords := uint32(0)
	for off := 0; off < len(payload); off += int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]
		numDwords := uint32(len(chunk)+3) / 4
		cpl, err := c.adminSync(admin.FirmwareImageDownload(numDwords, offsetDwords, chunk))
		if err != nil {
			return err
		}
		if !cpl.Status.Success() {
			return statusErr("firmware image download", cpl)
		}
		offsetDwords += numDwords
	}

	cpl, err := c.adminSync(admin.FirmwareCommit(slot, action))
	if err != nil {
		return err
	}
	if cpl.Status.Success() {
		return nil
	}
	if cpl.Status.IsFirmwareRequiresReset() {
		c.logger.Info("firmware activation requires conventional reset, resetting",
			"ctrlr", c.tr.PrintableAddress(), "slot", slot)
		if err := c.Reset(); err != nil {
			return err
		}
		return nil
	}
	return statusErr("firmware commit", cpl)
}

// SecuritySend issues a Security Send; the controller must advertise
// security commands in OACS.
func (c *Controller) SecuritySend(spsp uint16, secp uint8, data []byte) error {
	if !c.CapabilityFlags().SecuritySendRecv {
		return transport.ErrNotSupported
	}
	cpl, err := c.adminSync(admin.SecuritySend(spsp, secp, data))
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("security send", cpl)
	}
	return nil
}

// SecurityReceive issues a Security Receive into buf.
func (c *Controller) SecurityReceive(spsp uint16, secp uint8, buf []byte) error {
	if !c.CapabilityFlags().SecuritySendRecv {
		return transport.ErrNotSupported
	}
	cmd := admin.SecurityReceive(spsp, secp, uint32(len(buf)))
	cmd.Data = buf
	cpl, err := c.adminSync(cmd)
	if err != nil {
		return err
	}
	if !cpl.Status.Success() {
		return statusErr("security receive", cpl)
	}
	return nil
}

// ReadBootPartitionStart kicks off a boot-partition read; the device
// must advertise CAP.BPS. Poll with ReadBootPartitionPoll.
func (c *Controller) ReadBootPartitionStart(bpid, bprof uint8, bprsz uint32, payloadPhysAddr uint64) error {
	c.mu.Lock()
	bps := c.regs.CAP.BPS
	c.mu.Unlock()
	if !bps {
		return transport.ErrNotSupported
	}
	return bootpart.StartRead(c.tr, bpid, bprof, bprsz, payloadPhysAddr, func(err error) {
		if err != nil {
			c.logger.Warn("boot partition read setup failed", "error", err)
		}
	})
}

// ReadBootPartitionPoll reports the in-progress read's BPINFO.BRS
// state.
func (c *Controller) ReadBootPartitionPoll() (bootpart.ReadState, error) {
	return bootpart.PollRead(c.tr)
}

// WriteBootPartition begins an asynchronous boot-partition firmware
// write; progress is driven from ProcessAdminCompletions and onDone
// fires when the activate commit lands.
func (c *Controller) WriteBootPartition(bpid uint8, payload []byte, onDone func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.regs.CAP.BPS {
		return transport.ErrNotSupported
	}
	if c.bpWrite != nil &&
		c.bpWrite.State() != bootpart.WriteDone && c.bpWrite.State() != bootpart.WriteError {
		return fmt.Errorf("ctrlr: boot partition write already in progress")
	}
	c.bpWrite = bootpart.NewWriteRequest(bpid, payload, onDone)
	return nil
}
