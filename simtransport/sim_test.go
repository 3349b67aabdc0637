package simtransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme-go/nvmectrlr/internal/admin"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/internal/transport"
)

func TestRegisterReadsReflectConfig(t *testing.T) {
	d := New(Config{MQES: 511, TimeoutTO: 2, NSSRS: true})

	capRaw, err := d.GetReg8(regtypes.OffsetCAP)
	require.NoError(t, err)
	cap := regtypes.DecodeCAP(capRaw)
	assert.Equal(t, uint16(511), cap.MQES)
	assert.Equal(t, uint8(2), cap.TO)
	assert.True(t, cap.NSSRS)

	vs, err := d.GetReg4(regtypes.OffsetVS)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<16|4<<8), vs, "defaults to 1.4.0")
}

func TestEnableTogglesReadyAfterDelay(t *testing.T) {
	d := New(Config{ReadyDelayReads: 1})

	cc := regtypes.CC{EN: true, IOSQES: 6, IOCQES: 4}
	require.NoError(t, d.SetReg4(regtypes.OffsetCC, cc.Encode()))

	raw, _ := d.GetReg4(regtypes.OffsetCSTS)
	assert.False(t, regtypes.DecodeCSTS(raw).RDY, "stale on the first read")
	raw, _ = d.GetReg4(regtypes.OffsetCSTS)
	assert.True(t, regtypes.DecodeCSTS(raw).RDY, "tracks EN after the delay")
}

func TestAsyncCompletionsOnlyDeliverFromProcessCompletions(t *testing.T) {
	d := New(Config{})
	delivered := false
	require.NoError(t, d.GetReg4Async(regtypes.OffsetVS, func(v uint64, err error) {
		delivered = true
	}))
	assert.False(t, delivered, "callback must not run inline")

	n, err := d.ProcessCompletions(16)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, delivered)
}

func TestIdentifyActiveNSListPagesAfterNSID(t *testing.T) {
	d := New(Config{ActiveNSIDs: []uint32{5, 2, 9}})
	buf := make([]byte, 4096)
	cmd := admin.IdentifyActiveNSList(2, buf)

	var cpl transport.Completion
	require.NoError(t, d.SubmitAdminRequest(cmd, func(c transport.Completion, err error) { cpl = c }))
	_, _ = d.ProcessCompletions(1)

	require.True(t, cpl.Status.Success())
	assert.Equal(t, byte(5), buf[0], "sorted, only ids greater than the NSID pointer")
	assert.Equal(t, byte(9), buf[4])
	assert.Equal(t, byte(0), buf[8])
}

func TestAERParksUntilTriggered(t *testing.T) {
	d := New(Config{})
	var got transport.Completion
	fired := false
	require.NoError(t, d.SubmitAdminRequest(admin.AsyncEventRequest(), func(c transport.Completion, err error) {
		got = c
		fired = true
	}))

	_, _ = d.ProcessCompletions(16)
	assert.False(t, fired, "AER held until an event occurs")
	assert.Equal(t, 1, d.OutstandingAERs())

	d.TriggerAsyncEvent(0x040002)
	_, _ = d.ProcessCompletions(16)
	require.True(t, fired)
	assert.Equal(t, uint32(0x040002), got.CDW0)
	assert.Equal(t, 0, d.OutstandingAERs())
}

func TestHeldEventLatchesForNextAER(t *testing.T) {
	d := New(Config{})
	d.TriggerAsyncEvent(0x99)

	fired := false
	require.NoError(t, d.SubmitAdminRequest(admin.AsyncEventRequest(), func(c transport.Completion, err error) {
		fired = true
	}))
	_, _ = d.ProcessCompletions(16)
	assert.True(t, fired, "latched event completes the next AER immediately")
}

func TestAbortAERsCompletesWithSQDeletion(t *testing.T) {
	d := New(Config{})
	var status transport.CompletionStatus
	require.NoError(t, d.SubmitAdminRequest(admin.AsyncEventRequest(), func(c transport.Completion, err error) {
		status = c.Status
	}))
	require.NoError(t, d.AbortAERs())
	_, _ = d.ProcessCompletions(16)
	assert.True(t, status.IsAbortedSQDeletion())
}

func TestConnectFaultInjection(t *testing.T) {
	d := New(Config{})
	h, err := d.CreateIOQpair(transport.IOQpairOptions{Qid: 1})
	require.NoError(t, err)

	d.FailNextConnects = 1
	assert.Error(t, d.ConnectQpair(h))
	assert.NoError(t, d.ConnectQpair(h), "only the injected count fails")
}

func TestNamespaceManagementMutatesActiveList(t *testing.T) {
	d := New(Config{NN: 8, ActiveNSIDs: []uint32{1}})

	var cpl transport.Completion
	create := &transport.Command{Opcode: uint8(admin.OpcodeNSManagement), CDW10: 0, Data: make([]byte, 4096)}
	require.NoError(t, d.SubmitAdminRequest(create, func(c transport.Completion, err error) { cpl = c }))
	_, _ = d.ProcessCompletions(1)
	require.True(t, cpl.Status.Success())
	assert.Equal(t, uint32(2), cpl.CDW0, "lowest free nsid")

	del := &transport.Command{Opcode: uint8(admin.OpcodeNSManagement), CDW10: 1, NSID: 1}
	require.NoError(t, d.SubmitAdminRequest(del, func(c transport.Completion, err error) { cpl = c }))
	_, _ = d.ProcessCompletions(1)
	assert.True(t, cpl.Status.Success())
	assert.False(t, d.isActive(1))
}
