package ctrlr

// IdentifyControllerData holds the subset of the 4096-byte Identify
// Controller response (CNS 0x01) the state machine actually consults.
// Byte offsets follow the NVMe base specification's Identify
// Controller data structure.
type IdentifyControllerData struct {
	VID       uint16
	SSVID     uint16
	CMIC      uint8  // bit3: ANA reporting supported
	MDTS      uint8  // max data transfer size, as min_page_size << MDTS; 0 = unlimited
	OAES      uint32 // async event capabilities
	OACS      uint16 // bit0: security, bit5: directives, bit7: doorbell buffer config
	ACL       uint8  // abort command limit, 0's based
	AERL      uint8  // async event request limit, 0's based
	LPA       uint8  // bit3: telemetry log supported
	KAS       uint16 // keep alive granularity, 100ms units
	SGLS      uint32 // SGL support descriptor
	ONCS      uint16 // bit0: compare, bit5: reservations
	NN        uint32 // max nsid
	NANAGRPID uint32
}

const (
	cmicANAReportingBit = 1 << 3
	oacsSecurityBit     = 1 << 0
	oacsDirectivesBit   = 1 << 5
	oacsDBBufBit        = 1 << 7
	lpaTelemetryBit     = 1 << 3
	oncsCompareBit      = 1 << 0

	oaesNSAttributeNoticeBit = 1 << 8
	oaesFWActivationBit      = 1 << 9
	oaesANAChangeBit         = 1 << 11
)

// ANAReportingSupported reports CMIC bit 3.
func (d IdentifyControllerData) ANAReportingSupported() bool {
	return d.CMIC&cmicANAReportingBit != 0
}

// DoorbellBufferConfigSupported reports OACS bit 7.
func (d IdentifyControllerData) DoorbellBufferConfigSupported() bool {
	return d.OACS&oacsDBBufBit != 0
}

// SecuritySupported reports OACS bit 0.
func (d IdentifyControllerData) SecuritySupported() bool {
	return d.OACS&oacsSecurityBit != 0
}

// DirectivesSupported reports OACS bit 5.
func (d IdentifyControllerData) DirectivesSupported() bool {
	return d.OACS&oacsDirectivesBit != 0
}

// TelemetrySupported reports LPA bit 3.
func (d IdentifyControllerData) TelemetrySupported() bool {
	return d.LPA&lpaTelemetryBit != 0
}

// CompareSupported reports ONCS bit 0.
func (d IdentifyControllerData) CompareSupported() bool {
	return d.ONCS&oncsCompareBit != 0
}

// SGLSupported reports whether the controller accepts SGLs at all
// (SGLS bits [1:0] nonzero); SGLRequiresDwordAlign reports the
// dword-aligned-only variant (value 0b10).
func (d IdentifyControllerData) SGLSupported() bool {
	return d.SGLS&0x3 != 0
}

func (d IdentifyControllerData) SGLRequiresDwordAlign() bool {
	return d.SGLS&0x3 == 0x2
}

// IntelVendorID is Intel's PCI vendor id, used by the
// SET_SUPPORTED_INTEL_LOG_PAGES gate.
const IntelVendorID uint16 = 0x8086

// ParseIdentifyControllerData decodes the fields this package needs
// from a raw 4096-byte Identify Controller response. Fields this
// package doesn't consult (model/serial strings, power-state
// descriptors, etc.) are intentionally not parsed.
func ParseIdentifyControllerData(raw []byte) IdentifyControllerData {
	get16 := func(off int) uint16 {
		if off+2 > len(raw) {
			return 0
		}
		return uint16(raw[off]) | uint16(raw[off+1])<<8
	}
	get32 := func(off int) uint32 {
		if off+4 > len(raw) {
			return 0
		}
		return uint32(raw[off]) | uint32(raw[off+1])<<8 | uint32(raw[off+2])<<16 | uint32(raw[off+3])<<24
	}
	get8 := func(off int) uint8 {
		if off >= len(raw) {
			return 0
		}
		return raw[off]
	}

	return IdentifyControllerData{
		VID:       get16(0),
		SSVID:     get16(2),
		CMIC:      get8(76),
		MDTS:      get8(77),
		OAES:      get32(92),
		OACS:      get16(256),
		ACL:       get8(258),
		AERL:      get8(259),
		LPA:       get8(261),
		KAS:       get16(320),
		SGLS:      get32(536),
		ONCS:      get16(520),
		NN:        get32(516),
		NANAGRPID: get32(568),
	}
}
