package bootpart

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme-go/nvmectrlr/internal/transport"
)

type fakeTransport struct {
	transport.Transport

	bpmblWritten  uint64
	bprselWritten uint32
	bpinfoValue   uint32

	setReg8Err error
	setReg4Err error

	submittedCommands []*transport.Command
	nextCompletion    transport.Completion
	nextErr           error
}

func (f *fakeTransport) SetReg8Async(offset uint32, value uint64, cb transport.RegisterWriteCompletionFunc) error {
	if offset == OffsetBPMBL {
		f.bpmblWritten = value
	}
	if f.setReg8Err != nil {
		cb(f.setReg8Err)
		return nil
	}
	cb(nil)
	return nil
}

func (f *fakeTransport) SetReg4Async(offset uint32, value uint32, cb transport.RegisterWriteCompletionFunc) error {
	if offset == OffsetBPRSEL {
		f.bprselWritten = value
	}
	if f.setReg4Err != nil {
		cb(f.setReg4Err)
		return nil
	}
	cb(nil)
	return nil
}

func (f *fakeTransport) GetReg4(offset uint32) (uint32, error) {
	return f.bpinfoValue, nil
}

func (f *fakeTransport) SubmitAdminRequest(cmd *transport.Command, cb transport.AdminCompletionFunc) error {
	f.submittedCommands = append(f.submittedCommands, cmd)
	cb(f.nextCompletion, f.nextErr)
	return nil
}

func TestStartReadWritesBPMBLThenBPRSEL(t *testing.T) {
	tr := &fakeTransport{}
	var gotErr error
	require.NoError(t, StartRead(tr, 1, 2, 0xFF, 0xDEADBEEF, func(err error) { gotErr = err }))

	assert.NoError(t, gotErr)
	assert.Equal(t, uint64(0xDEADBEEF), tr.bpmblWritten)
	assert.Equal(t, uint32(0xFF)|uint32(2)<<10|uint32(1)<<16, tr.bprselWritten)
}

func TestStartReadPropagatesBPMBLFailure(t *testing.T) {
	tr := &fakeTransport{setReg8Err: errors.New("link down")}
	var gotErr error
	require.NoError(t, StartRead(tr, 0, 0, 0, 0, func(err error) { gotErr = err }))
	assert.Error(t, gotErr)
	assert.Equal(t, uint32(0), tr.bprselWritten, "BPRSEL should not be written if BPMBL fails")
}

func TestPollReadDecodesBRS(t *testing.T) {
	tr := &fakeTransport{bpinfoValue: uint32(ReadInProgress) << 24}
	state, err := PollRead(tr)
	require.NoError(t, err)
	assert.Equal(t, ReadInProgress, state)
}

func TestWriteRequestFullHappyPath(t *testing.T) {
	tr := &fakeTransport{nextCompletion: transport.Completion{Status: transport.CompletionStatus{SCT: transport.SCTGeneric, SC: 0}}}
	payload := make([]byte, 10)

	var done bool
	var doneErr error
	w := NewWriteRequest(1, payload, func(err error) { done = true; doneErr = err })

	assert.Equal(t, WriteDownloading, w.State())
	require.NoError(t, w.Advance(tr)) // download completes in one chunk since payload < transfer size
	assert.Equal(t, WriteDownloaded, w.State())

	require.NoError(t, w.Advance(tr)) // replace commit
	assert.Equal(t, WriteReplace, w.State())

	require.NoError(t, w.Advance(tr)) // activate commit
	assert.Equal(t, WriteActivate, w.State())

	require.NoError(t, w.Advance(tr)) // final transition to done
	assert.Equal(t, WriteDone, w.State())
	assert.True(t, done)
	assert.NoError(t, doneErr)
}

func TestWriteRequestCommitFailurePropagates(t *testing.T) {
	tr := &fakeTransport{nextCompletion: transport.Completion{Status: transport.CompletionStatus{SCT: transport.SCTGeneric, SC: 0}}}
	w := NewWriteRequest(1, make([]byte, 4), func(err error) {})
	require.NoError(t, w.Advance(tr)) // downloaded

	tr.nextCompletion = transport.Completion{Status: transport.CompletionStatus{SCT: transport.SCTGeneric, SC: transport.SCInvalidField}}
	var doneErr error
	w.onComplete = func(err error) { doneErr = err }
	require.NoError(t, w.Advance(tr))
	assert.Equal(t, WriteError, w.State())
	assert.Error(t, doneErr)
}

func TestWriteRequestFirmwareRequiresResetTreatedAsProgress(t *testing.T) {
	tr := &fakeTransport{nextCompletion: transport.Completion{Status: transport.CompletionStatus{SCT: transport.SCTGeneric, SC: 0}}}
	w := NewWriteRequest(1, make([]byte, 4), func(err error) {})
	require.NoError(t, w.Advance(tr)) // downloaded

	tr.nextCompletion = transport.Completion{Status: transport.CompletionStatus{SCT: transport.SCTCommandSpec, SC: transport.SCFWRequiresReset}}
	require.NoError(t, w.Advance(tr))
	assert.Equal(t, WriteReplace, w.State(), "firmware-requires-reset should still advance the FSM")
}
