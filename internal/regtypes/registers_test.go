package regtypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCAP(t *testing.T) {
	// MQES=1023, CQR=1, AMS=WRR|VS, TO=20 (10s), DSTRD=0, NSSRS=1,
	// CSS=NVM|IOCS, MPSMIN=0, MPSMAX=4, CMBS=1
	raw := uint64(1023) |
		1<<16 |
		uint64(0x3)<<17 |
		uint64(20)<<24 |
		uint64(1)<<36 |
		uint64(CSSNVMCommandSet|CSSIOCommandSets)<<37 |
		uint64(4)<<52 |
		uint64(1)<<57

	cap := DecodeCAP(raw)
	assert.Equal(t, uint16(1023), cap.MQES)
	assert.True(t, cap.CQR)
	assert.Equal(t, uint8(0x3), cap.AMS)
	assert.Equal(t, uint8(20), cap.TO)
	assert.True(t, cap.NSSRS)
	assert.Equal(t, CSSNVMCommandSet|CSSIOCommandSets, cap.CSS)
	assert.Equal(t, uint8(4), cap.MPSMAX)
	assert.True(t, cap.CMBS)
}

func TestCCRoundTrip(t *testing.T) {
	cc := CC{EN: true, CSS: CSSNVMCommandSet, MPS: 0, AMS: 0, SHN: ShnNone, IOSQES: 6, IOCQES: 4}
	raw := cc.Encode()
	got := DecodeCC(raw)
	require.Equal(t, cc, got)
}

func TestDecodeCSTS(t *testing.T) {
	csts := DecodeCSTS(1 | (uint32(ShstComplete) << 2))
	assert.True(t, csts.RDY)
	assert.Equal(t, ShstComplete, csts.SHST)
	assert.False(t, csts.CFS)
}

func TestAQAEncode(t *testing.T) {
	aqa := AQA{ASQS: 31, ACQS: 31}
	assert.Equal(t, uint32(31)|uint32(31)<<16, aqa.Encode())
}

func TestPageSizeRoundTrip(t *testing.T) {
	for mps := uint8(0); mps <= 4; mps++ {
		ps := PageSizeFromMPSMin(mps)
		assert.Equal(t, mps, MPSFromPageSize(ps))
	}
}

func TestCMBSZBytes(t *testing.T) {
	// SZU=0 (4KiB units), SZ=16 -> 64KiB
	raw := uint32(16)<<12 | uint32(0)<<8
	cmb := DecodeCMBSZ(raw)
	assert.Equal(t, uint64(64*1024), cmb.Bytes())
}
