// Package regtypes defines the NVMe controller register layout the
// core understands: byte offsets, field widths, and typed bit
// accessors over the raw little-endian words a transport hands back
// from GetReg4/GetReg8.
package regtypes

// Register byte offsets, per the NVMe base specification.
const (
	OffsetCAP   = 0x00 // Controller Capabilities (8 bytes)
	OffsetVS    = 0x08 // Version (4 bytes)
	OffsetCC    = 0x14 // Controller Configuration (4 bytes)
	OffsetCSTS  = 0x1C // Controller Status (4 bytes)
	OffsetNSSR  = 0x20 // NVM Subsystem Reset (4 bytes)
	OffsetAQA   = 0x24 // Admin Queue Attributes (4 bytes)
	OffsetASQ   = 0x28 // Admin Submission Queue Base Address (8 bytes)
	OffsetACQ   = 0x30 // Admin Completion Queue Base Address (8 bytes)
	OffsetCMBSZ = 0x3C // Controller Memory Buffer Size (4 bytes)
)

// NSSRValue is the magic value ("NVMe" in ASCII, little-endian) written
// to NSSR to trigger a subsystem reset.
const NSSRValue uint32 = 0x4E564D65

// CAP decodes the 8-byte Controller Capabilities register.
type CAP struct {
	MQES   uint16 // Maximum Queue Entries Supported, 0's based
	CQR    bool   // Contiguous Queues Required
	AMS    uint8  // Arbitration Mechanism Supported bitmask
	TO     uint8  // Timeout, in 500ms units
	DSTRD  uint8  // Doorbell Stride
	NSSRS  bool   // NVM Subsystem Reset Supported
	CSS    uint8  // Command Sets Supported bitmask
	BPS    bool   // Boot Partition Support
	MPSMIN uint8  // Memory Page Size Minimum (2^(12+MPSMIN))
	MPSMAX uint8  // Memory Page Size Maximum
	PMRS   bool   // Persistent Memory Region Supported
	CMBS   bool   // Controller Memory Buffer Supported
}

// CAP.AMS capability bits. Plain round robin is always supported and
// has no bit of its own; the two-bit field advertises the optional
// mechanisms.
const (
	AMSWeightedRoundRobin uint8 = 1 << 0
	AMSVendorSpecific     uint8 = 1 << 1
)

// CSS bits within CAP.CSS.
const (
	CSSNVMCommandSet uint8 = 1 << 0
	CSSIOCommandSets uint8 = 1 << 6
	CSSNoIO          uint8 = 1 << 7
)

// DecodeCAP parses the raw 64-bit CAP register value.
func DecodeCAP(raw uint64) CAP {
	return CAP{
		MQES:   uint16(raw & 0xFFFF),
		CQR:    raw&(1<<16) != 0,
		AMS:    uint8((raw >> 17) & 0x3),
		TO:     uint8((raw >> 24) & 0xFF),
		DSTRD:  uint8((raw >> 32) & 0xF),
		NSSRS:  raw&(1<<36) != 0,
		CSS:    uint8((raw >> 37) & 0xFF),
		BPS:    raw&(1<<45) != 0,
		MPSMIN: uint8((raw >> 48) & 0xF),
		MPSMAX: uint8((raw >> 52) & 0xF),
		PMRS:   raw&(1<<56) != 0,
		CMBS:   raw&(1<<57) != 0,
	}
}

// VS decodes the 4-byte Version register.
type VS struct {
	Major    uint16
	Minor    uint8
	Tertiary uint8
}

// DecodeVS parses the raw 32-bit VS register value.
func DecodeVS(raw uint32) VS {
	return VS{
		Major:    uint16(raw >> 16),
		Minor:    uint8(raw >> 8),
		Tertiary: uint8(raw),
	}
}

// AtLeast reports whether the version is >= major.minor.
func (v VS) AtLeast(major uint16, minor uint8) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// CC is the Controller Configuration register.
type CC struct {
	EN     bool
	CSS    uint8 // 3 bits
	MPS    uint8 // 4 bits; page_size = 1 << (12+MPS)
	AMS    uint8 // 3 bits
	SHN    uint8 // 2 bits: 0 none, 1 normal, 2 abrupt
	IOSQES uint8 // 4 bits
	IOCQES uint8 // 4 bits
}

// Shutdown notification values for CC.SHN.
const (
	ShnNone   uint8 = 0
	ShnNormal uint8 = 1
	ShnAbrupt uint8 = 2
)

// Encode packs the CC fields into the raw 32-bit register value.
func (c CC) Encode() uint32 {
	var raw uint32
	if c.EN {
		raw |= 1 << 0
	}
	raw |= uint32(c.CSS&0x7) << 4
	raw |= uint32(c.MPS&0xF) << 7
	raw |= uint32(c.AMS&0x7) << 11
	raw |= uint32(c.SHN&0x3) << 14
	raw |= uint32(c.IOSQES&0xF) << 16
	raw |= uint32(c.IOCQES&0xF) << 20
	return raw
}

// DecodeCC unpacks the raw 32-bit CC register value.
func DecodeCC(raw uint32) CC {
	return CC{
		EN:     raw&1 != 0,
		CSS:    uint8((raw >> 4) & 0x7),
		MPS:    uint8((raw >> 7) & 0xF),
		AMS:    uint8((raw >> 11) & 0x7),
		SHN:    uint8((raw >> 14) & 0x3),
		IOSQES: uint8((raw >> 16) & 0xF),
		IOCQES: uint8((raw >> 20) & 0xF),
	}
}

// CSTS is the Controller Status register.
type CSTS struct {
	RDY   bool
	CFS   bool  // Controller Fatal Status
	SHST  uint8 // Shutdown Status: 0 normal, 1 occurring, 2 complete
	NSSRO bool
	PP    bool // Processing Paused
}

// Shutdown status values for CSTS.SHST.
const (
	ShstNormal    uint8 = 0
	ShstOccurring uint8 = 1
	ShstComplete  uint8 = 2
)

// DecodeCSTS unpacks the raw 32-bit CSTS register value.
func DecodeCSTS(raw uint32) CSTS {
	return CSTS{
		RDY:   raw&1 != 0,
		CFS:   raw&(1<<1) != 0,
		SHST:  uint8((raw >> 2) & 0x3),
		NSSRO: raw&(1<<4) != 0,
		PP:    raw&(1<<5) != 0,
	}
}

// AQA is the Admin Queue Attributes register: 0's-based queue sizes.
type AQA struct {
	ASQS uint16 // Admin Submission Queue Size
	ACQS uint16 // Admin Completion Queue Size
}

// Encode packs the AQA fields into the raw 32-bit register value.
func (a AQA) Encode() uint32 {
	return uint32(a.ASQS&0xFFF) | uint32(a.ACQS&0xFFF)<<16
}

// CMBSZ decodes the Controller Memory Buffer Size register.
type CMBSZ struct {
	SZ  uint32 // size, in units of SZU
	SZU uint8  // size units: 4KiB << (4*SZU), i.e. 0=4KiB .. 5=4GiB
	WDS bool   // write data support
	RDS bool   // read data support
}

// DecodeCMBSZ unpacks the raw 32-bit CMBSZ register value.
func DecodeCMBSZ(raw uint32) CMBSZ {
	return CMBSZ{
		SZ:  (raw >> 12) & 0xFFFFF,
		SZU: uint8((raw >> 8) & 0xF),
		WDS: raw&(1<<2) != 0,
		RDS: raw&(1<<1) != 0,
	}
}

// Bytes returns the CMB size in bytes.
func (c CMBSZ) Bytes() uint64 {
	unit := uint64(4096) << (4 * c.SZU)
	return uint64(c.SZ) * unit
}

// PageSizeFromMPSMin returns the minimum page size implied by
// CAP.MPSMIN: 1 << (12 + mpsmin).
func PageSizeFromMPSMin(mpsmin uint8) uint32 {
	return 1 << (12 + uint32(mpsmin))
}

// MPSFromPageSize returns CC.MPS for a given page size: log2(pageSize) - 12.
func MPSFromPageSize(pageSize uint32) uint8 {
	shift := uint8(0)
	for v := pageSize; v > 1; v >>= 1 {
		shift++
	}
	return shift - 12
}

// Cache is the controller's register cache: the last-known decoded
// values plus the derived page-size fields.
type Cache struct {
	CC          CC
	CSTS        CSTS
	CAP         CAP
	VS          VS
	PageSize    uint32
	MinPageSize uint32
}
