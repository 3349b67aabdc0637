package nvme

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError("RESET", ErrCodeTimeout, "controller did not become ready")
	assert.Contains(t, err.Error(), "nvme:")
	assert.Contains(t, err.Error(), "op=RESET")
	assert.Contains(t, err.Error(), "controller did not become ready")

	bare := &Error{Qid: -1, Code: ErrCodeNotReady}
	assert.Equal(t, "nvme: controller not ready", bare.Error())
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := NewError("ALLOC_IO_QPAIR", ErrCodeQueueExhausted, "")
	b := NewError("OTHER", ErrCodeQueueExhausted, "different op, same code")
	c := NewError("ALLOC_IO_QPAIR", ErrCodeTimeout, "")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestWrapErrorPreservesStructure(t *testing.T) {
	inner := NewQpairError("CONNECT", "sim:0000:00:00.0", 3, ErrCodeIOError, "link down")
	wrapped := WrapError("RESET", inner)

	assert.Equal(t, "RESET", wrapped.Op)
	assert.Equal(t, 3, wrapped.Qid)
	assert.Equal(t, "sim:0000:00:00.0", wrapped.Ctrlr)
	assert.Equal(t, ErrCodeIOError, wrapped.Code)
}

func TestWrapErrorMapsSentinels(t *testing.T) {
	cases := []struct {
		in   error
		want ErrorCode
	}{
		{ErrNotReady, ErrCodeNotReady},
		{ErrResetInProgress, ErrCodeResetInProgress},
		{ErrControllerFailed, ErrCodeControllerFailed},
		{ErrControllerRemoved, ErrCodeControllerRemoved},
		{ErrQueueExhausted, ErrCodeQueueExhausted},
		{ErrNotSupported, ErrCodeNotSupported},
	}
	for _, tc := range cases {
		got := WrapError("OP", tc.in)
		assert.Equal(t, tc.want, got.Code, "wrapping %v", tc.in)
		assert.True(t, errors.Is(got, tc.in), "inner sentinel survives for errors.Is")
	}

	// A wrapped sentinel still maps.
	wrapped := WrapError("OP", fmt.Errorf("context: %w", ErrNotReady))
	assert.Equal(t, ErrCodeNotReady, wrapped.Code)
}

func TestWrapErrorMapsErrno(t *testing.T) {
	err := WrapError("PROBE", syscall.ENODEV)
	assert.Equal(t, ErrCodeControllerRemoved, err.Code)
	assert.Equal(t, syscall.ENODEV, err.Errno)

	err = WrapError("ALLOC", syscall.EBUSY)
	assert.Equal(t, ErrCodeResetInProgress, err.Code)

	err = WrapError("OPTS", syscall.EINVAL)
	assert.Equal(t, ErrCodeInvalidParameters, err.Code)
}

func TestWrapErrorNil(t *testing.T) {
	assert.Nil(t, WrapError("OP", nil))
}

func TestIsCodeAndIsStatus(t *testing.T) {
	status := CompletionStatus{SCT: 0x1, SC: 0x0B}
	err := NewStatusError("FW_COMMIT", status)

	assert.True(t, IsCode(err, ErrCodeCommandFailed))
	assert.False(t, IsCode(err, ErrCodeTimeout))
	assert.True(t, IsStatus(err, 0x1, 0x0B))
	assert.False(t, IsStatus(err, 0x0, 0x0B))

	assert.False(t, IsCode(errors.New("plain"), ErrCodeCommandFailed))
}
