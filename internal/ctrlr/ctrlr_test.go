package ctrlr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme-go/nvmectrlr/internal/nsregistry"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
)

func TestComposeCCHonorsRequestedCommandSet(t *testing.T) {
	cap := regtypes.CAP{CSS: regtypes.CSSNVMCommandSet | regtypes.CSSIOCommandSets, AMS: 0}
	opts := DefaultOptions()
	opts.CommandSet = 0 // NVM, advertised

	cc, err := composeCC(opts, cap, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), cc.CSS)
	assert.True(t, cc.EN)
	assert.Equal(t, uint8(6), cc.IOSQES)
	assert.Equal(t, uint8(4), cc.IOCQES)
}

func TestComposeCCAutoPrefersIOCS(t *testing.T) {
	cap := regtypes.CAP{CSS: regtypes.CSSNVMCommandSet | regtypes.CSSIOCommandSets}
	opts := DefaultOptions() // CommandSet 0xFF means choose best

	cc, err := composeCC(opts, cap, 4096)
	require.NoError(t, err)
	assert.Equal(t, cssIOCS, cc.CSS)
}

func TestComposeCCUnadvertisedRequestFallsBack(t *testing.T) {
	cap := regtypes.CAP{CSS: regtypes.CSSNVMCommandSet}
	opts := DefaultOptions()
	opts.CommandSet = 6 // IOCS requested but not advertised

	cc, err := composeCC(opts, cap, 4096)
	require.NoError(t, err)
	assert.Equal(t, cssNVM, cc.CSS)
}

func TestComposeCCZeroCapCSSAssumesNVM(t *testing.T) {
	cc, err := composeCC(DefaultOptions(), regtypes.CAP{CSS: 0}, 4096)
	require.NoError(t, err)
	assert.Equal(t, cssNVM, cc.CSS)
}

func TestComposeCCWRRRequiresCapability(t *testing.T) {
	opts := DefaultOptions()
	opts.ArbMechanism = ArbitrationWeightedRoundRobin

	_, err := composeCC(opts, regtypes.CAP{CSS: regtypes.CSSNVMCommandSet, AMS: 0}, 4096)
	assert.Error(t, err, "WRR without CAP.AMS support must fail")

	cc, err := composeCC(opts, regtypes.CAP{CSS: regtypes.CSSNVMCommandSet, AMS: regtypes.AMSWeightedRoundRobin}, 4096)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), cc.AMS)
}

func TestComposeCCMPSFromPageSize(t *testing.T) {
	cc, err := composeCC(DefaultOptions(), regtypes.CAP{CSS: regtypes.CSSNVMCommandSet}, 8192)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), cc.MPS)
}

func TestAsyncEventConfigMaskGatesOnVersionAndOAES(t *testing.T) {
	cdata := IdentifyControllerData{
		OAES: oaesNSAttributeNoticeBit | oaesANAChangeBit,
		CMIC: cmicANAReportingBit,
	}

	old := asyncEventConfigMask(regtypes.VS{Major: 1, Minor: 1}, cdata)
	assert.Equal(t, uint32(aecSMARTHealthMask), old, "pre-1.2 controllers only get critical warnings")

	mask := asyncEventConfigMask(regtypes.VS{Major: 1, Minor: 4}, cdata)
	assert.NotZero(t, mask&aecNamespaceAttrBit)
	assert.NotZero(t, mask&aecANAChangeBit)
	assert.Zero(t, mask&aecFirmwareActivationBit, "not advertised in OAES")
	assert.Zero(t, mask&aecTelemetryLogBit, "LPA.telemetry clear")
}

func TestParseActiveNSListPageStopsAtZero(t *testing.T) {
	buf := make([]byte, 4096)
	writeLE32 := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	writeLE32(0, 1)
	writeLE32(4, 2)
	writeLE32(8, 1024)

	ids, last, full := parseActiveNSListPage(buf)
	assert.Equal(t, []uint32{1, 2, 1024}, ids)
	assert.Equal(t, uint32(1024), last)
	assert.False(t, full)
}

func TestParseActiveNSListPageFullPageRequestsMore(t *testing.T) {
	buf := make([]byte, 4096)
	for i := 0; i < 1024; i++ {
		v := uint32(i + 1)
		buf[i*4] = byte(v)
		buf[i*4+1] = byte(v >> 8)
		buf[i*4+2] = byte(v >> 16)
		buf[i*4+3] = byte(v >> 24)
	}
	ids, last, full := parseActiveNSListPage(buf)
	assert.Len(t, ids, 1024)
	assert.Equal(t, uint32(1024), last)
	assert.True(t, full)
}

func TestParseANALogPage(t *testing.T) {
	buf := make([]byte, anaHeaderSize+anaDescriptorSize+2*4)
	buf[0] = 1 // one group descriptor
	desc := buf[anaHeaderSize:]
	desc[0] = 7                              // group id
	desc[4] = 2                              // two nsids
	desc[16] = byte(nsregistry.ANAOptimized) // state
	nsids := desc[anaDescriptorSize:]
	nsids[0] = 1
	nsids[4] = 2

	groups := parseANALogPage(buf)
	require.Len(t, groups, 1)
	assert.Equal(t, uint32(7), groups[0].GroupID)
	assert.Equal(t, nsregistry.ANAOptimized, groups[0].State)
	assert.Equal(t, []uint32{1, 2}, groups[0].NSIDs)
}

func TestCSIFromIDDescList(t *testing.T) {
	buf := make([]byte, 4096)
	// NIDT=4 (CSI), NIDL=1, value ZNS
	buf[0] = 4
	buf[1] = 1
	buf[4] = 2
	assert.Equal(t, nsregistry.CSIZNS, csiFromIDDescList(buf))

	assert.Equal(t, nsregistry.CSINVM, csiFromIDDescList(make([]byte, 4096)),
		"no descriptor defaults to NVM")
}

func TestOptionsNormalizeClamps(t *testing.T) {
	o := Options{NumIOQueues: 1 << 20, IOQueueSize: 1 << 20, IOQueueRequests: 1, AdminQueueSize: 0}
	n := o.Normalize(1024)
	assert.Equal(t, 65534, n.NumIOQueues)
	assert.Equal(t, uint32(1024), n.IOQueueSize, "clamped to CAP.MQES+1")
	assert.GreaterOrEqual(t, n.IOQueueRequests, n.IOQueueSize)
	assert.GreaterOrEqual(t, n.AdminQueueSize, uint32(2))
}

func TestParseIdentifyControllerData(t *testing.T) {
	raw := make([]byte, 4096)
	raw[0] = 0x86
	raw[1] = 0x80 // VID 0x8086
	raw[76] = cmicANAReportingBit
	raw[256] = oacsDBBufBit
	raw[258] = 3 // ACL
	raw[259] = 7 // AERL
	raw[516] = 64
	raw[568] = 4

	d := ParseIdentifyControllerData(raw)
	assert.Equal(t, IntelVendorID, d.VID)
	assert.True(t, d.ANAReportingSupported())
	assert.True(t, d.DoorbellBufferConfigSupported())
	assert.Equal(t, uint8(3), d.ACL)
	assert.Equal(t, uint8(7), d.AERL)
	assert.Equal(t, uint32(64), d.NN)
	assert.Equal(t, uint32(4), d.NANAGRPID)
}

func TestStateStringsAndTerminal(t *testing.T) {
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "ERROR", StateError.String())
	assert.Equal(t, "IDENTIFY_ACTIVE_NS", StateIdentifyActiveNS.String())
	assert.True(t, StateReady.Terminal())
	assert.True(t, StateError.Terminal())
	assert.False(t, StateEnable.Terminal())
}
