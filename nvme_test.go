package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme-go/nvmectrlr/internal/nsregistry"
	"github.com/nvme-go/nvmectrlr/internal/regtypes"
	"github.com/nvme-go/nvmectrlr/simtransport"
)

// noticeEvent builds the CDW0 an async event completion carries for a
// Notice-type event.
func noticeEvent(info uint8, logPage uint8) uint32 {
	return uint32(2) | uint32(info)<<8 | uint32(logPage)<<16
}

func defaultConfig() simtransport.Config {
	return simtransport.Config{
		VID:         0x1B36,
		AERL:        3,
		NN:          1024,
		ActiveNSIDs: []uint32{1, 2},
		MaxIOQueues: 8,
		OAES:        1<<8 | 1<<11, // namespace-attribute and ANA-change notices
	}
}

func bringUp(t *testing.T, cfg simtransport.Config, opts Options) (*Controller, *MockTransport) {
	t.Helper()
	tr := NewMockTransport(cfg)
	c := NewController(tr, Trid{Type: "sim", Address: tr.PrintableAddress()}, PCIID{VendorID: cfg.VID}, opts)
	require.NoError(t, c.WaitUntilReady())
	require.Equal(t, StateReady, c.State())
	return c, tr
}

// pump drives the admin pump a few times so multi-step async work
// (AER delivery, re-identify paging) settles.
func pump(t *testing.T, c *Controller, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		_, err := c.ProcessAdminCompletions()
		require.NoError(t, err)
	}
}

func TestEnableFromDisabled(t *testing.T) {
	c, tr := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	regs := c.Capabilities()
	assert.True(t, regs.CC.EN)
	assert.True(t, regs.CSTS.RDY)

	writes := tr.CCWrites()
	require.NotEmpty(t, writes)
	last := regtypes.DecodeCC(writes[len(writes)-1])
	assert.True(t, last.EN, "final CC write enables the controller")
	assert.Equal(t, uint8(6), last.IOSQES)
	assert.Equal(t, uint8(4), last.IOCQES)
}

func TestEnableFromAlreadyEnabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.StartEnabled = true
	c, tr := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	var disables, enables int
	for _, raw := range tr.CCWrites() {
		if regtypes.DecodeCC(raw).EN {
			enables++
		} else {
			disables++
		}
	}
	assert.Equal(t, 1, disables, "SET_EN_0 issued exactly once")
	assert.Equal(t, 1, enables)
}

func TestAMSMismatchFailsWithControllerDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.CAPAms = 0 // round-robin only
	opts := DefaultOptions()
	opts.ArbMechanism = ArbitrationWeightedRoundRobin

	tr := NewMockTransport(cfg)
	c := NewController(tr, Trid{Type: "sim"}, PCIID{}, opts)
	err := c.WaitUntilReady()
	require.Error(t, err)
	assert.Equal(t, StateError, c.State())

	raw, regErr := tr.GetReg4(regtypes.OffsetCC)
	require.NoError(t, regErr)
	assert.False(t, regtypes.DecodeCC(raw).EN, "controller was never enabled")
}

func TestAERNamespaceAttributeChange(t *testing.T) {
	cfg := defaultConfig()
	cfg.ActiveNSIDs = []uint32{1, 2, 100, 1024}
	c, tr := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	ns := c.Namespaces()
	require.NotNil(t, ns.Get(100))
	assert.True(t, ns.Get(100).Active)

	var events []AsyncEvent
	c.SetAERHandler(func(ev AsyncEvent) { events = append(events, ev) })

	tr.SetActiveNSIDs([]uint32{1, 2, 1024})
	result := noticeEvent(0x00 /* NS attribute changed */, 0x04)
	tr.TriggerAsyncEvent(result)
	pump(t, c, 6)

	assert.False(t, ns.Get(100).Active, "namespace 100 deactivated after re-identify")
	assert.True(t, ns.Get(1024).Active)
	assert.Equal(t, []uint32{1, 2, 1024}, ns.ActiveIDs())

	require.Len(t, events, 1, "registered AER callback fires exactly once")
	assert.Equal(t, result, events[0].Raw.CDW0, "callback sees the original completion")
}

func TestANAChangeResizesAndApplies(t *testing.T) {
	cfg := defaultConfig()
	cfg.CMIC = 1 << 3
	cfg.NANAGRPID = 1
	cfg.ANAGroups = []simtransport.ANAGroup{
		{GroupID: 1, State: uint8(nsregistry.ANAOptimized), NSIDs: []uint32{1, 2}},
	}
	c, tr := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	ns := c.Namespaces()
	assert.Equal(t, nsregistry.ANAOptimized, ns.Get(1).ANAState)

	// Grow the active set, then deliver an ANA change covering it.
	tr.SetActiveNSIDs([]uint32{1, 2, 3, 4})
	tr.TriggerAsyncEvent(noticeEvent(0x00, 0x04))
	pump(t, c, 6)
	require.Equal(t, 4, ns.ActiveCount())

	tr.SetANAGroups([]simtransport.ANAGroup{
		{GroupID: 1, State: uint8(nsregistry.ANAOptimized), NSIDs: []uint32{1, 2, 3, 4}},
	})
	tr.TriggerAsyncEvent(noticeEvent(0x03 /* ANA change */, 0x0C))
	pump(t, c, 6)

	for nsid := uint32(1); nsid <= 4; nsid++ {
		assert.Equal(t, nsregistry.ANAOptimized, ns.Get(nsid).ANAState, "nsid %d", nsid)
		assert.Equal(t, uint32(1), ns.Get(nsid).ANAGroupID)
	}
}

func TestResetWithQpairReconnectFailure(t *testing.T) {
	c, tr := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	qp1, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	require.NoError(t, err)
	qp2, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	require.NoError(t, err)
	require.Equal(t, QpairConnected, qp1.State())
	require.Equal(t, QpairConnected, qp2.State())

	tr.FailNextConnects = 1
	require.NoError(t, c.Reset())
	assert.Equal(t, StateReady, c.State())

	active := c.ActiveQpairs()
	assert.Len(t, active, 2, "failed qpair stays in the active list")

	var connected, failedLocal int
	for _, qp := range active {
		switch qp.State() {
		case QpairConnected, QpairEnabled:
			connected++
		default:
			assert.Equal(t, FailureLocal, qp.FailureReason(),
				"failed qpair keeps its host-initiated failure reason")
			failedLocal++
		}
	}
	assert.Equal(t, 1, connected)
	assert.Equal(t, 1, failedLocal)
}

func TestResetPreservesIdentifyData(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	before := c.Data()
	require.NoError(t, c.Reset())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, before, c.Data(), "cdata identical after reset")
	assert.Equal(t, []uint32{1, 2}, c.Namespaces().ActiveIDs())
}

func TestResetWhileResettingReturnsBusy(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	require.NoError(t, c.Disconnect()) // leaves the controller mid-reset
	assert.ErrorIs(t, c.Reset(), ErrResetInProgress)
}

func TestAEROutstandingBoundedByAERL(t *testing.T) {
	cfg := defaultConfig()
	cfg.AERL = 3
	c, tr := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	assert.Equal(t, 4, tr.OutstandingAERs(), "aerl+1 AERs outstanding")

	// Delivering an event vacates one slot; the repost refills it.
	tr.TriggerAsyncEvent(noticeEvent(0x01, 0x03))
	pump(t, c, 3)
	assert.Equal(t, 4, tr.OutstandingAERs(), "slot reposted after delivery")
}

func TestGetNSBoundaries(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	ns := c.Namespaces()
	assert.Nil(t, ns.Get(0))
	assert.Nil(t, ns.Get(c.Data().NN+1))
	assert.NotNil(t, ns.Get(c.Data().NN), "largest legal nsid constructs on demand")
}

func TestQpairAllocBoundaries(t *testing.T) {
	cfg := defaultConfig()
	c, _ := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	_, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrio(7)})
	assert.ErrorIs(t, err, ErrInvalidParameters, "qprio out of range")

	_, err = c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioHIGH})
	assert.ErrorIs(t, err, ErrInvalidParameters, "round-robin accepts only urgent")

	require.NoError(t, c.Disconnect())
	_, err = c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	assert.ErrorIs(t, err, ErrNotReady, "allocation rejected while not READY")
}

func TestQpairQidReuse(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	qp1, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	require.NoError(t, err)
	first := qp1.QID

	require.NoError(t, c.FreeIOQpair(qp1))
	qp2, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	require.NoError(t, err)
	assert.Equal(t, first, qp2.QID, "freed qid is immediately re-allocatable")
}

func TestQpairListMatchesOwnership(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	qp, err := c.AllocIOQpairCurrent(IOQpairOptions{Qprio: QPrioURGENT})
	require.NoError(t, err)

	active := c.ActiveQpairs()
	require.Len(t, active, 1)
	owner, ok := c.QpairOwner(qp.QID)
	require.True(t, ok)
	assert.NotZero(t, owner)
}

func TestAttachProcessIdempotent(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	c.AttachProcess(424242)
	c.AttachProcess(424242) // no-op
	c.SetAERCallback(424242, func(AsyncEvent) {})
	c.DetachProcess(424242)
}

func TestUpdateTridLaws(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	trid := c.Trid()
	err := c.UpdateTrid(trid)
	assert.ErrorIs(t, err, ErrInvalidParameters, "trid only changes while failed")

	c.Fail(false)
	require.True(t, c.IsFailed())
	assert.NoError(t, c.UpdateTrid(Trid{Type: trid.Type, Address: "sim:0000:00:01.0", SubNQN: trid.SubNQN}))

	bad := Trid{Type: trid.Type, Address: trid.Address, SubNQN: "nqn.2026-08.io.other:different"}
	assert.ErrorIs(t, c.UpdateTrid(bad), ErrInvalidParameters)
}

func TestSubsystemReset(t *testing.T) {
	cfg := defaultConfig()
	cfg.NSSRS = true
	c, tr := bringUp(t, cfg, DefaultOptions())
	defer c.Destruct()

	require.NoError(t, c.SubsystemReset())
	assert.Equal(t, regtypes.NSSRValue, tr.NSSRValue())
}

func TestSubsystemResetUnsupported(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()
	assert.ErrorIs(t, c.SubsystemReset(), ErrNotSupported)
}

func TestShutdownPollsSHST(t *testing.T) {
	c, tr := bringUp(t, defaultConfig(), DefaultOptions())

	require.NoError(t, c.Shutdown())
	raw, err := tr.GetReg4(regtypes.OffsetCSTS)
	require.NoError(t, err)
	assert.Equal(t, regtypes.ShstComplete, regtypes.DecodeCSTS(raw).SHST)
}

func TestKeepAliveUnsupportedTolerated(t *testing.T) {
	cfg := defaultConfig()
	cfg.KeepAliveUnsupported = true
	opts := DefaultOptions()
	opts.KeepAliveTimeoutMs = 1000

	c, _ := bringUp(t, cfg, opts)
	defer c.Destruct()
	// invalid-field from the keep-alive feature probe must not fail
	// bring-up; the configured value simply goes unused.
	assert.Equal(t, StateReady, c.State())
}

func TestNamespaceManagementRefreshesActiveList(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()

	nsid, err := c.CreateNamespace(make([]byte, IdentifyDataSize))
	require.NoError(t, err)
	assert.True(t, c.Namespaces().Get(nsid).Active, "create refreshed the active list")

	require.NoError(t, c.DeleteNamespace(nsid))
	assert.False(t, c.Namespaces().Get(nsid).Active, "delete refreshed the active list")
}

func TestHotRemoveRejectsOperations(t *testing.T) {
	c, _ := bringUp(t, defaultConfig(), DefaultOptions())

	c.Fail(true)
	require.True(t, c.IsRemoved())
	_, err := c.ProcessAdminCompletions()
	assert.ErrorIs(t, err, ErrControllerRemoved)
	assert.ErrorIs(t, c.Reset(), ErrControllerRemoved)
}

func TestMockTransportTracksCalls(t *testing.T) {
	c, tr := bringUp(t, defaultConfig(), DefaultOptions())
	defer c.Destruct()
	assert.Greater(t, tr.SubmitCalls(), 0)
	assert.Greater(t, tr.ProcessCalls(), 0)
}
