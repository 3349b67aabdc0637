package qpair

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme-go/nvmectrlr/internal/transport"
)

type fakeTransport struct {
	transport.Transport
	createErr  error
	connectErr error
	handle     transport.QpairHandle
}

func (f *fakeTransport) CreateIOQpair(opts transport.IOQpairOptions) (transport.QpairHandle, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	h := f.handle
	if h == nil {
		h = &struct{}{}
	}
	return h, nil
}

func (f *fakeTransport) ConnectQpair(h transport.QpairHandle) error {
	return f.connectErr
}

func (f *fakeTransport) DisconnectQpair(h transport.QpairHandle) error { return nil }
func (f *fakeTransport) DeleteIOQpair(h transport.QpairHandle) error   { return nil }

func TestIDPoolAllocIsFIFOLowestFirst(t *testing.T) {
	p := NewIDPool(4)
	for want := uint16(1); want <= 4; want++ {
		got, ok := p.Alloc()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := p.Alloc()
	assert.False(t, ok, "pool should be exhausted")
}

func TestIDPoolReleaseMakesQIDAvailableAgain(t *testing.T) {
	p := NewIDPool(2)
	a, _ := p.Alloc()
	_, _ = p.Alloc()
	p.Release(a)

	got, ok := p.Alloc()
	require.True(t, ok)
	assert.Equal(t, a, got, "released qid should be reused before growing")
}

func TestIDPoolAvailable(t *testing.T) {
	p := NewIDPool(3)
	assert.Equal(t, 3, p.Available())
	p.Alloc()
	assert.Equal(t, 2, p.Available())
}

func TestQpairConnectTransitionsToConnected(t *testing.T) {
	q := New(1, transport.IOQpairOptions{QueueSize: 64})
	tr := &fakeTransport{}

	require.NoError(t, q.Connect(tr))
	assert.Equal(t, transport.QpairConnected, q.State())
}

func TestQpairConnectFailurePropagatesAndResetsState(t *testing.T) {
	q := New(2, transport.IOQpairOptions{})
	tr := &fakeTransport{createErr: errors.New("link down")}

	err := q.Connect(tr)
	require.Error(t, err)
	assert.Equal(t, transport.QpairDisconnected, q.State())
	assert.Equal(t, transport.FailureRemote, q.FailureReason())
}

func TestQpairEnableOnlyFromConnected(t *testing.T) {
	q := New(1, transport.IOQpairOptions{})
	q.Enable()
	assert.Equal(t, transport.QpairDisconnected, q.State(), "enable before connect is a no-op")

	tr := &fakeTransport{}
	require.NoError(t, q.Connect(tr))
	q.Enable()
	assert.Equal(t, transport.QpairEnabled, q.State())
}

func TestQpairDisconnectSetsLocalFailureReason(t *testing.T) {
	q := New(1, transport.IOQpairOptions{})
	tr := &fakeTransport{}
	require.NoError(t, q.Connect(tr))

	require.NoError(t, q.Disconnect(tr, true))
	assert.Equal(t, transport.QpairDisconnected, q.State())
	assert.Equal(t, transport.FailureLocal, q.FailureReason())
}

func TestQpairReconnectRateLimited(t *testing.T) {
	q := New(1, transport.IOQpairOptions{})
	tr := &fakeTransport{createErr: errors.New("still down")}

	attempted, err := q.Reconnect(tr)
	assert.True(t, attempted, "first attempt should be allowed")
	assert.Error(t, err)

	// Immediately retrying should be denied by the 100ms/1 bucket.
	attempted, err = q.Reconnect(tr)
	assert.False(t, attempted)
	assert.NoError(t, err)
}

func TestQpairDestroyClearsHandle(t *testing.T) {
	q := New(1, transport.IOQpairOptions{})
	tr := &fakeTransport{}
	require.NoError(t, q.Connect(tr))
	require.NoError(t, q.Destroy(tr))
	assert.Equal(t, transport.QpairDestroying, q.State())
}
