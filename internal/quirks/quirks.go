// Package quirks maps a controller's PCI identity to a bitmask of
// device-specific workarounds the init/reset state machine and qpair
// lifecycle consult at a handful of well-known points. Only the
// workarounds this core actually branches on are defined.
package quirks

// AnyID is the wildcard value matching any
// vendor/device/subvendor/subdevice field.
const AnyID = 0xFFFF

// Bitmask is the set of active workarounds for one controller.
type Bitmask uint64

const (
	// DelayBeforeChkRdy pauses briefly before the first CSTS read
	// during CHECK_EN, for controllers that need time to latch CC.EN.
	DelayBeforeChkRdy Bitmask = 1 << iota
	// DelayAfterQueueAlloc pauses after qid allocation, before
	// transport.CreateIOQpair, for controllers that choke on
	// back-to-back queue creation.
	DelayAfterQueueAlloc
	// IdentifyCNSSkipActiveList tells the state machine to synthesize
	// [1..nn] instead of issuing Identify Active Namespace List,
	// either because the controller predates it or lies about it.
	IdentifyCNSSkipActiveList
	// DisableReadANALogPage skips ANA log reads entirely even if
	// CMIC.ana is set.
	DisableReadANALogPage
	// DisableReadLogPage skips the optional log pages
	// (SET_SUPPORTED_LOG_PAGES / SET_SUPPORTED_INTEL_LOG_PAGES) during
	// bring-up for controllers whose log page support is unreliable.
	DisableReadLogPage
	// SubmitQueuesNoShn disables the CC.SHN notification path entirely,
	// equivalent in effect to opts.no_shn_notification but forced by
	// the device rather than the caller.
	SubmitQueuesNoShn
	// SimpleSuspend asks the reset path to skip the normal shutdown
	// polling loop and go straight to CC.EN=0.
	SimpleSuspend
	// OCSSD marks an Open-Channel SSD, excluded from IOCS-specific
	// bring-up (handled by an external collaborator, per Non-goals).
	OCSSD
)

// PCIID identifies a controller's vendor/device/subvendor/subdevice,
// matching against AnyID wildcards in either the table or the probe.
type PCIID struct {
	VendorID    uint16
	DeviceID    uint16
	SubVendorID uint16
	SubDeviceID uint16
}

type row struct {
	id    PCIID
	flags Bitmask
}

// table carries a handful of representative
// (vid, did, subvid, subdid) -> flags rows. Real-world tables run to
// hundreds of rows collected from field reports; this is not an
// attempt to be exhaustive.
var table = []row{
	{PCIID{0x8086, 0x0953, 0x8086, 0x3702}, 0},
	{PCIID{0x8086, 0x0953, AnyID, AnyID}, 0},
	{PCIID{0x1cc1, 0x8201, AnyID, AnyID}, DelayBeforeChkRdy},
	{PCIID{0x144d, 0xa822, AnyID, AnyID}, DisableReadANALogPage},
	{PCIID{0x1d1d, 0x1f1f, AnyID, AnyID}, OCSSD | IdentifyCNSSkipActiveList},
}

func fieldMatch(tableField, probeField uint16) bool {
	return tableField == AnyID || tableField == probeField
}

func (r PCIID) match(probe PCIID) bool {
	return fieldMatch(r.VendorID, probe.VendorID) &&
		fieldMatch(r.DeviceID, probe.DeviceID) &&
		fieldMatch(r.SubVendorID, probe.SubVendorID) &&
		fieldMatch(r.SubDeviceID, probe.SubDeviceID)
}

// Get returns the quirk bitmask for the given PCI identity, or 0 if no
// row matches. The first matching row wins.
func Get(id PCIID) Bitmask {
	for _, r := range table {
		if r.id.match(id) {
			return r.flags
		}
	}
	return 0
}

// Has reports whether a quirk bit is set.
func (b Bitmask) Has(q Bitmask) bool {
	return b&q != 0
}
