package ctrlr

import (
	"fmt"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/constants"
	"github.com/nvme-go/nvmectrlr/internal/nsregistry"
	"github.com/nvme-go/nvmectrlr/internal/quirks"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

// cssIOCS and cssNoIO are the CC.CSS selector values for the I/O
// command sets and the no-I/O admin-only set.
const (
	cssNVM  uint8 = 0x0
	cssIOCS uint8 = 0x6
	cssNoIO uint8 = 0x7
)

// composeCC builds the Controller Configuration value to write in
// ENABLE: CSS follows the caller's requested command set when CAP.CSS
// advertises it, else the best advertised one (IOCS, then NVM, then
// NoIO, with NVM as the final fallback); AMS is validated against
// CAP.AMS; MPS derives from the selected page size; IOSQES/IOCQES are
// the fixed NVM command set entry sizes.
func composeCC(opts Options, cap regtypes.CAP, pageSize uint32) (regtypes.CC, error) {
	cssBits := cap.CSS
	if cssBits == 0 {
		// Devices predating CAP.CSS report all-zeroes; assume NVM.
		cssBits = regtypes.CSSNVMCommandSet
	}

	var css uint8
	switch {
	case opts.CommandSet < 8 && cssBits&(1<<opts.CommandSet) != 0:
		css = opts.CommandSet
	case cssBits&regtypes.CSSIOCommandSets != 0:
		css = cssIOCS
	case cssBits&regtypes.CSSNVMCommandSet != 0:
		css = cssNVM
	case cssBits&regtypes.CSSNoIO != 0:
		css = cssNoIO
	default:
		css = cssNVM
	}

	var ams uint8
	switch opts.ArbMechanism {
	case ArbitrationWeightedRoundRobin:
		if cap.AMS&regtypes.AMSWeightedRoundRobin == 0 {
			return regtypes.CC{}, fmt.Errorf("weighted round robin arbitration not supported by CAP.AMS=%#x", cap.AMS)
		}
		ams = 1
	case ArbitrationVendorSpecific:
		if cap.AMS&regtypes.AMSVendorSpecific == 0 {
			return regtypes.CC{}, fmt.Errorf("vendor specific arbitration not supported by CAP.AMS=%#x", cap.AMS)
		}
		ams = 7
	default:
		ams = 0
	}

	return regtypes.CC{
		EN:     true,
		CSS:    css,
		MPS:    regtypes.MPSFromPageSize(pageSize),
		AMS:    ams,
		SHN:    regtypes.ShnNone,
		IOSQES: 6,
		IOCQES: 4,
	}, nil
}

// Async Event Configuration CDW11 bit positions, per the NVMe base
// specification's Set Features / Get Features FID=0x0B layout.
const (
	aecSMARTHealthMask       = 0xFF
	aecNamespaceAttrBit      = 1 << 8
	aecFirmwareActivationBit = 1 << 9
	aecTelemetryLogBit       = 1 << 10
	aecANAChangeBit          = 1 << 11
)

// asyncEventConfigMask builds the CDW11 value for CONFIGURE_AER:
// critical warnings always, and (from 1.2 on) each notice class the
// controller advertises in OAES, plus telemetry when LPA says so.
func asyncEventConfigMask(vs regtypes.VS, cdata IdentifyControllerData) uint32 {
	mask := uint32(aecSMARTHealthMask)
	if !vs.AtLeast(1, 2) {
		return mask
	}
	if cdata.OAES&oaesNSAttributeNoticeBit != 0 {
		mask |= aecNamespaceAttrBit
	}
	if cdata.OAES&oaesFWActivationBit != 0 {
		mask |= aecFirmwareActivationBit
	}
	if cdata.OAES&oaesANAChangeBit != 0 && cdata.ANAReportingSupported() {
		mask |= aecANAChangeBit
	}
	if cdata.TelemetrySupported() {
		mask |= aecTelemetryLogBit
	}
	return mask
}

// setKeepAliveTimeout negotiates the keep-alive interval: probe the
// device's current value with Get Features (invalid-field means the
// feature is unsupported and is tolerated), then set ours and schedule
// the first keep-alive at timeout/2.
func (c *Controller) setKeepAliveTimeout() error {
	if c.opts.KeepAliveTimeoutMs <= 0 {
		c.keepAliveIntervalMs = 0
		c.advancePastKeepAlive()
		return nil
	}

	c.submitted = true
	cmd := admin.GetFeatures(admin.FeatureKeepAliveTimer, 0)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if !cpl.Status.Success() {
			if !admin.Tolerates(admin.PolicyToleratesInvalidField, cpl.Status) {
				c.fail(fmt.Errorf("get keep-alive timeout failed: status=%+v", cpl.Status))
				return
			}
			// Feature unsupported; keep the configured value but don't
			// send keep-alives the device won't accept.
			c.logger.Debug("keep-alive timer feature not supported, skipping",
				"ctrlr", c.tr.PrintableAddress())
			c.keepAliveIntervalMs = 0
			c.advancePastKeepAlive()
			return
		}
		if granted := cpl.CDW0; granted != 0 && int(granted) < c.opts.KeepAliveTimeoutMs {
			c.opts.KeepAliveTimeoutMs = int(granted)
		}
		c.submitKeepAliveTimeout()
	})
}

// submitKeepAliveTimeout issues the Set Features half of keep-alive
// negotiation. mu must be held.
func (c *Controller) submitKeepAliveTimeout() {
	c.submitted = true
	cmd := admin.SetFeatures(admin.FeatureKeepAliveTimer, uint32(c.opts.KeepAliveTimeoutMs), nil)
	if err := c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if !cpl.Status.Success() && !admin.Tolerates(admin.PolicyToleratesInvalidField, cpl.Status) {
			c.fail(fmt.Errorf("set keep-alive timeout failed: status=%+v", cpl.Status))
			return
		}
		c.keepAliveIntervalMs = c.opts.KeepAliveTimeoutMs / 2
		c.advancePastKeepAlive()
	}); err != nil {
		c.fail(err)
	}
}

// advancePastKeepAlive routes to the IOCS-specific identify leg only
// when CC selected the I/O command sets. mu must be held.
func (c *Controller) advancePastKeepAlive() {
	if c.regs.CC.CSS == cssIOCS {
		c.setState(StateIdentifyIOCSSpecific, c.opts.AdminTimeoutMs)
		return
	}
	c.setState(StateSetNumQueues, c.opts.AdminTimeoutMs)
}

// identifyIOCSSpecific fetches the I/O-command-set-specific Identify
// Controller structure (CNS 0x06, CSI=ZNS), reached only when CC.CSS
// selected the I/O command sets.
func (c *Controller) identifyIOCSSpecific() error {
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.IdentifyCSI(admin.CNSIOCSController, 0, admin.CSIZNS, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if cpl.Status.Success() {
			c.iocsData = buf
			c.setState(StateGetZNSCmdEffectsLog, c.opts.AdminTimeoutMs)
			return
		}
		if admin.Tolerates(admin.PolicyToleratesInvalidField, cpl.Status) {
			// Controller selected IOCS but carries no ZNS data; nothing
			// command-set-specific to fetch.
			c.setState(StateSetNumQueues, c.opts.AdminTimeoutMs)
			return
		}
		c.fail(fmt.Errorf("identify IOCS-specific controller failed: status=%+v", cpl.Status))
	})
}

// getZNSCommandEffectsLog reads the Commands Supported and Effects log
// scoped to the ZNS command set, recording zone-append capability.
func (c *Controller) getZNSCommandEffectsLog() error {
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	numDwords := uint32(len(buf)/4) - 1
	cmd := admin.GetLogPageCSI(admin.LogPageCommandsSupported, 0, numDwords, admin.CSIZNS, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil || !cpl.Status.Success() {
			c.fail(fmt.Errorf("get ZNS command effects log failed: %v status=%+v", err, cpl.Status))
			return
		}
		c.znsEffectsLog = buf
		// IOCS entry 0x7D is Zone Append; CSUPP is bit 0 of its dword.
		const zoneAppendOpcode = 0x7D
		off := 4 * zoneAppendOpcode
		if off+4 <= len(buf) && buf[off]&0x1 != 0 {
			c.flags.ZoneAppend = true
		}
		c.setState(StateSetNumQueues, c.opts.AdminTimeoutMs)
	})
}

// identifyActiveNS pages through Identify Active Namespace List (CNS
// 0x02), accumulating nsids across pages of up to
// constants.ActiveNSListPageSize entries and reconciling the full list
// against the namespace registry once the list is exhausted.
// Controllers predating NVMe 1.1 and controllers with
// IdentifyCNSSkipActiveList instead synthesize [1, NN] directly; some
// devices lie about CNS 0x02 support.
func (c *Controller) identifyActiveNS() error {
	if c.quirkBits.Has(quirks.IdentifyCNSSkipActiveList) || !c.regs.VS.AtLeast(1, 1) {
		ids := make([]uint32, c.cdata.NN)
		for i := range ids {
			ids[i] = uint32(i + 1)
		}
		c.ns.ReconcileActiveList(ids)
		c.beginPerNSIdentify(StateIdentifyNS)
		return nil
	}

	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.IdentifyActiveNSList(c.lastActiveNSStart, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil || !cpl.Status.Success() {
			c.fail(fmt.Errorf("identify active namespace list failed: %v", err))
			return
		}
		page, last, full := parseActiveNSListPage(buf)
		c.lastActiveNSIDs = append(c.lastActiveNSIDs, page...)
		if !full {
			c.ns.ReconcileActiveList(c.lastActiveNSIDs)
			c.lastActiveNSIDs = nil
			c.lastActiveNSStart = 0
			c.beginPerNSIdentify(StateIdentifyNS)
			return
		}
		c.lastActiveNSStart = last
		c.setState(StateIdentifyActiveNS, c.opts.AdminTimeoutMs)
	})
}

// beginPerNSIdentify snapshots the active list for a per-namespace
// identify pass and enters next. mu must be held.
func (c *Controller) beginPerNSIdentify(next State) {
	c.perNSQueue = c.ns.ActiveIDs()
	c.setState(next, c.opts.AdminTimeoutMs)
}

// identifyPerNS walks the active namespaces one Identify (CNS 0x00) at
// a time, storing each response on its namespace object.
func (c *Controller) identifyPerNS() error {
	if len(c.perNSQueue) == 0 {
		c.beginPerNSIdentify(StateIdentifyIDDescs)
		return nil
	}
	nsid := c.perNSQueue[0]
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.Identify(admin.CNSNamespace, nsid, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil || !cpl.Status.Success() {
			c.fail(fmt.Errorf("identify namespace %d failed: %v", nsid, err))
			return
		}
		if ns := c.ns.Get(nsid); ns != nil {
			ns.IdentifyData = buf
		}
		c.perNSQueue = c.perNSQueue[1:]
		c.setState(StateIdentifyNS, c.opts.AdminTimeoutMs)
	})
}

// identifyIDDescs fetches each active namespace's identification
// descriptor list (CNS 0x03). Skipped wholesale on controllers
// predating 1.3 that didn't select the I/O command sets; per-namespace
// failures are tolerated and the namespace simply has no descriptor
// list.
func (c *Controller) identifyIDDescs() error {
	if !c.regs.VS.AtLeast(1, 3) && c.regs.CC.CSS != cssIOCS {
		c.beginPerNSIdentify(StateIdentifyNSIOCSSpecific)
		return nil
	}
	if len(c.perNSQueue) == 0 {
		c.beginPerNSIdentify(StateIdentifyNSIOCSSpecific)
		return nil
	}
	nsid := c.perNSQueue[0]
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.Identify(admin.CNSNSIdentDescriptors, nsid, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if cpl.Status.Success() {
			if ns := c.ns.Get(nsid); ns != nil {
				ns.IDDescList = buf
				ns.CSI = csiFromIDDescList(buf)
			}
		} else {
			c.logger.Debug("identify id descriptors failed, continuing without",
				"nsid", nsid, "sct", cpl.Status.SCT, "sc", cpl.Status.SC)
		}
		c.perNSQueue = c.perNSQueue[1:]
		c.setState(StateIdentifyIDDescs, c.opts.AdminTimeoutMs)
	})
}

// csiFromIDDescList extracts the Command Set Identifier descriptor
// (NIDT=4) from a CNS 0x03 response; namespaces without one default to
// the NVM command set.
func csiFromIDDescList(buf []byte) nsregistry.CommandSetID {
	off := 0
	for off+4 <= len(buf) {
		nidt := buf[off]
		nidl := int(buf[off+1])
		if nidt == 0 || nidl == 0 {
			break
		}
		if nidt == 4 && off+4 < len(buf) {
			switch buf[off+4] {
			case admin.CSIZNS:
				return nsregistry.CSIZNS
			case admin.CSIKeyValue:
				return nsregistry.CSIKeyValue
			}
			return nsregistry.CSINVM
		}
		off += 4 + nidl
	}
	return nsregistry.CSINVM
}

// identifyNSIOCSSpecific fetches the command-set-specific identify
// namespace structure (CNS 0x05) for every active ZNS namespace; only
// reached with work to do when CC selected the I/O command sets.
func (c *Controller) identifyNSIOCSSpecific() error {
	if c.regs.CC.CSS != cssIOCS {
		c.perNSQueue = nil
		c.setState(StateSetSupportedLogPages, c.opts.AdminTimeoutMs)
		return nil
	}
	// Skip past namespaces with nothing command-set-specific to fetch.
	for len(c.perNSQueue) > 0 {
		if ns := c.ns.Get(c.perNSQueue[0]); ns != nil && ns.CSI == nsregistry.CSIZNS {
			break
		}
		c.perNSQueue = c.perNSQueue[1:]
	}
	if len(c.perNSQueue) == 0 {
		c.setState(StateSetSupportedLogPages, c.opts.AdminTimeoutMs)
		return nil
	}
	nsid := c.perNSQueue[0]
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	cmd := admin.IdentifyCSI(admin.CNSIOCSNamespace, nsid, admin.CSIZNS, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil || !cpl.Status.Success() {
			c.fail(fmt.Errorf("identify IOCS-specific namespace %d failed: %v", nsid, err))
			return
		}
		if ns := c.ns.Get(nsid); ns != nil {
			ns.IOCSData = buf
		}
		c.perNSQueue = c.perNSQueue[1:]
		c.setState(StateIdentifyNSIOCSSpecific, c.opts.AdminTimeoutMs)
	})
}

// maybeInitANA reads the ANA log page when the controller advertises
// ANA reporting (CMIC bit 3) and neither the caller nor a quirk
// disabled it, applying the parsed group states to the namespace
// registry.
func (c *Controller) maybeInitANA() error {
	if c.opts.DisableReadANALogPage ||
		c.quirkBits.Has(quirks.DisableReadANALogPage) ||
		c.quirkBits.Has(quirks.DisableReadLogPage) ||
		!c.cdata.ANAReportingSupported() {
		c.setState(StateSetSupportedIntelLogPages, c.opts.AdminTimeoutMs)
		return nil
	}

	c.submitted = true
	return c.submitANALogRead(func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		c.setState(StateSetSupportedIntelLogPages, c.opts.AdminTimeoutMs)
	})
}

// submitANALogRead issues a Get Log Page for the ANA log into a buffer
// sized (and only ever grown) by the registry's formula, parsing and
// applying group states on success. onDone runs with mu released. mu
// must be held.
func (c *Controller) submitANALogRead(onDone func(error)) error {
	size := c.ns.ANABufferSize(c.cdata.NANAGRPID)
	if len(c.anaLog) < size {
		c.anaLog = make([]byte, size)
	}
	buf := c.anaLog
	numDwords := uint32(size/4) - 1
	cmd := admin.GetLogPage(admin.LogPageANA, 0, numDwords, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		if err == nil && !cpl.Status.Success() {
			err = fmt.Errorf("get ANA log page failed: status=%+v", cpl.Status)
		}
		if err == nil {
			c.mu.Lock()
			c.ns.ApplyANAGroups(parseANALogPage(buf))
			c.mu.Unlock()
		}
		onDone(err)
	})
}

// maybeReadIntelLogDirectory probes the Intel vendor log page
// directory on Intel controllers. Failures are non-fatal: the
// directory only widens the supported-log-pages set.
func (c *Controller) maybeReadIntelLogDirectory() error {
	if c.cdata.VID != IntelVendorID || c.quirkBits.Has(quirks.DisableReadLogPage) {
		c.setState(StateSetSupportedFeatures, c.opts.AdminTimeoutMs)
		return nil
	}
	c.submitted = true
	buf := make([]byte, constants.IdentifyDataSize)
	numDwords := uint32(len(buf)/4) - 1
	cmd := admin.GetLogPage(admin.LogPageIntelDirectory, 0, numDwords, buf)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if !cpl.Status.Success() {
			c.logger.Debug("intel log page directory unavailable",
				"sct", cpl.Status.SCT, "sc", cpl.Status.SC)
		}
		c.setState(StateSetSupportedFeatures, c.opts.AdminTimeoutMs)
	})
}

// maybeSetArbitration programs the weighted-round-robin burst and
// priority weights when the caller selected WRR; the feature doesn't
// exist under plain round-robin.
func (c *Controller) maybeSetArbitration() error {
	if c.opts.ArbMechanism != ArbitrationWeightedRoundRobin || c.opts.ArbitrationBurst == 0 {
		c.setState(StateSetDBBufCfg, c.opts.AdminTimeoutMs)
		return nil
	}
	c.submitted = true
	cdw11 := uint32(c.opts.ArbitrationBurst&0x7) |
		uint32(c.opts.LowPriorityWeight)<<8 |
		uint32(c.opts.MediumPriorityWeight)<<16 |
		uint32(c.opts.HighPriorityWeight)<<24
	cmd := admin.SetFeatures(admin.FeatureArbitration, cdw11, nil)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if !cpl.Status.Success() && !admin.Tolerates(admin.PolicyToleratesInvalidField, cpl.Status) {
			c.fail(fmt.Errorf("set arbitration failed: status=%+v", cpl.Status))
			return
		}
		c.setState(StateSetDBBufCfg, c.opts.AdminTimeoutMs)
	})
}

// maybeSetDoorbellBufferConfig installs the shadow-doorbell and
// eventidx pages on controllers advertising OACS.dbbuf. The pages are
// host memory the transport maps for the device; they ride the command
// as its data and metadata buffers.
func (c *Controller) maybeSetDoorbellBufferConfig() error {
	if !c.cdata.DoorbellBufferConfigSupported() {
		c.setState(StateSetHostID, c.opts.AdminTimeoutMs)
		return nil
	}
	c.submitted = true
	shadow := make([]byte, c.regs.PageSize)
	eventidx := make([]byte, c.regs.PageSize)
	cmd := admin.DoorbellBufferConfig(0, 0)
	cmd.Data = shadow
	cmd.Metadata = eventidx
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil {
			c.fail(err)
			return
		}
		if cpl.Status.Success() {
			c.dbbufShadow = shadow
			c.dbbufEventIdx = eventidx
		} else {
			c.logger.Debug("doorbell buffer config rejected, continuing without",
				"sct", cpl.Status.SCT, "sc", cpl.Status.SC)
		}
		c.setState(StateSetHostID, c.opts.AdminTimeoutMs)
	})
}

// setHostID programs the host identifier feature, preferring the
// 16-byte extended form; an all-zeroes identity skips the step.
func (c *Controller) setHostID() error {
	var data []byte
	var cdw11 uint32
	switch {
	case c.opts.ExtendedHostID != ([16]byte{}):
		data = c.opts.ExtendedHostID[:]
		cdw11 = 1 // EXHID
	case c.opts.HostID != ([8]byte{}):
		data = c.opts.HostID[:]
	default:
		c.enterReady()
		return nil
	}
	c.submitted = true
	cmd := admin.SetFeatures(admin.FeatureHostIdentifier, cdw11, data)
	return c.submitTracked(cmd, func(cpl transport.Completion, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err != nil || !cpl.Status.Success() {
			c.fail(fmt.Errorf("set host id failed: %v", err))
			return
		}
		c.enterReady()
	})
}

// parseActiveNSListPage decodes one Identify Active Namespace List
// page: a run of little-endian uint32 nsids terminated by the first
// zero entry. full reports whether every slot in the page was
// populated (meaning another page must be requested starting after
// the last nsid seen).
func parseActiveNSListPage(buf []byte) (ids []uint32, last uint32, full bool) {
	n := len(buf) / 4
	for i := 0; i < n; i++ {
		off := i * 4
		nsid := uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
		if nsid == 0 {
			return ids, last, false
		}
		ids = append(ids, nsid)
		last = nsid
	}
	return ids, last, true
}

const (
	anaHeaderSize     = 16
	anaDescriptorSize = 32
)

// parseANALogPage decodes the ANA log page's header (number of group
// descriptors) followed by that many fixed-size descriptors, each
// trailed by its own variable-length nsid list.
func parseANALogPage(buf []byte) []nsregistry.ANAGroupDescriptor {
	if len(buf) < anaHeaderSize {
		return nil
	}
	get32 := func(off int) uint32 {
		if off+4 > len(buf) {
			return 0
		}
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}

	numDescs := get32(0)
	var groups []nsregistry.ANAGroupDescriptor
	offset := anaHeaderSize
	for i := uint32(0); i < numDescs; i++ {
		if offset+anaDescriptorSize > len(buf) {
			break
		}
		groupID := get32(offset)
		numNSID := get32(offset + 4)
		state := nsregistry.ANAState(buf[offset+16])
		nsidOffset := offset + anaDescriptorSize
		nsids := make([]uint32, 0, numNSID)
		for j := uint32(0); j < numNSID; j++ {
			off := nsidOffset + int(j)*4
			if off+4 > len(buf) {
				break
			}
			nsids = append(nsids, get32(off))
		}
		groups = append(groups, nsregistry.ANAGroupDescriptor{
			GroupID: groupID,
			State:   state,
			NSIDs:   nsids,
		})
		offset = nsidOffset + int(numNSID)*4
	}
	return groups
}
