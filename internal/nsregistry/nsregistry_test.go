package nsregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLazilyConstructsNamespace(t *testing.T) {
	r := New(16)
	ns := r.Get(5)
	require.NotNil(t, ns)
	assert.Equal(t, uint32(5), ns.NSID)
	assert.False(t, ns.Active)

	again := r.Get(5)
	assert.Same(t, ns, again, "second Get returns the same object")
}

func TestGetOutOfRangeReturnsNil(t *testing.T) {
	r := New(4)
	assert.Nil(t, r.Get(0))
	assert.Nil(t, r.Get(5))
}

func TestReconcileActiveListActivatesAndKeepsObjects(t *testing.T) {
	r := New(1024)
	activated, deactivated := r.ReconcileActiveList([]uint32{1, 2, 100, 1024})
	assert.ElementsMatch(t, []uint32{1, 2, 100, 1024}, activated)
	assert.Empty(t, deactivated)
	assert.Equal(t, 4, r.ActiveCount())
}

func TestReconcileActiveListScenarioNamespaceChange(t *testing.T) {
	// A namespace-attribute change mid-flight: starting
	// active list [1,2,100,1024], then narrowed to [1,2,1024].
	r := New(1024)
	r.ReconcileActiveList([]uint32{1, 2, 100, 1024})

	activated, deactivated := r.ReconcileActiveList([]uint32{1, 2, 1024})
	assert.Empty(t, activated)
	assert.Equal(t, []uint32{100}, deactivated)

	ns := r.Get(100)
	require.NotNil(t, ns, "deactivation never frees the object")
	assert.False(t, ns.Active)
	assert.Equal(t, 3, r.ActiveCount())
}

func TestFirstActiveNextActiveSkipInactive(t *testing.T) {
	r := New(16)
	r.Get(1)
	r.Get(2)
	r.Get(3)
	r.ReconcileActiveList([]uint32{1, 3})

	first := r.FirstActive()
	require.NotNil(t, first)
	assert.Equal(t, uint32(1), first.NSID)

	next := r.NextActive(first)
	require.NotNil(t, next)
	assert.Equal(t, uint32(3), next.NSID)

	assert.Nil(t, r.NextActive(next))
}

func TestANABufferSizeFormulaAndMonotonic(t *testing.T) {
	r := New(1024)
	r.ReconcileActiveList([]uint32{1, 2})

	size := r.ANABufferSize(1)
	assert.Equal(t, sizeofANAHeader+1*sizeofANADescriptor+2*sizeofNSID, size)

	// Growing active count should grow the buffer.
	r.ReconcileActiveList([]uint32{1, 2, 3, 4})
	grown := r.ANABufferSize(1)
	assert.Greater(t, grown, size)

	// Shrinking active count must not shrink the buffer (realloc-only-on-growth).
	r.ReconcileActiveList([]uint32{1})
	stillGrown := r.ANABufferSize(1)
	assert.Equal(t, grown, stillGrown)
}

func TestANAResizeScenario(t *testing.T) {
	// ANA buffer growth: nanagrpid=1,
	// active-list [1,2], then namespaces 3,4 added, then an ANA-change
	// descriptor covering {1,2,3,4} in state OPTIMIZED.
	r := New(1024)
	r.ReconcileActiveList([]uint32{1, 2})
	before := r.ANABufferSize(1)

	r.ReconcileActiveList([]uint32{1, 2, 3, 4})
	after := r.ANABufferSize(1)
	assert.Greater(t, after, before)

	r.ApplyANAGroups([]ANAGroupDescriptor{
		{GroupID: 1, State: ANAOptimized, NSIDs: []uint32{1, 2, 3, 4}},
	})

	for _, nsid := range []uint32{1, 2, 3, 4} {
		ns := r.Get(nsid)
		require.NotNil(t, ns)
		assert.Equal(t, ANAOptimized, ns.ANAState)
		assert.Equal(t, uint32(1), ns.ANAGroupID)
	}
}
