package quirks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetExactMatch(t *testing.T) {
	flags := Get(PCIID{0x1cc1, 0x8201, 0x1111, 0x2222})
	assert.True(t, flags.Has(DelayBeforeChkRdy))
}

func TestGetWildcard(t *testing.T) {
	flags := Get(PCIID{0x144d, 0xa822, 0x9999, 0x9999})
	assert.True(t, flags.Has(DisableReadANALogPage))
}

func TestGetNoMatch(t *testing.T) {
	flags := Get(PCIID{0xDEAD, 0xBEEF, 0, 0})
	assert.Equal(t, Bitmask(0), flags)
}

func TestFirstRowWins(t *testing.T) {
	// The exact Intel row precedes the Intel wildcard row; both have
	// flags 0 here, but this pins the scan order contract.
	flags := Get(PCIID{0x8086, 0x0953, 0x8086, 0x3702})
	assert.Equal(t, Bitmask(0), flags)
}
