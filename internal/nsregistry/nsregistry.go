// Package nsregistry implements the controller's namespace map: an
// ordered nsid->Namespace table with lazy construction, active/inactive
// diffing against a freshly identified list, and ANA log parsing with
// on-demand buffer resize.
package nsregistry

import (
	"sort"
	"sync"
)

// CommandSetID distinguishes the I/O command set a namespace speaks.
type CommandSetID uint8

const (
	CSINVM CommandSetID = iota
	CSIZNS
	CSIKeyValue
)

// ANAState mirrors the NVMe ANA group state field.
type ANAState uint8

const (
	ANAOptimized ANAState = iota + 1
	ANANonOptimized
	ANAInaccessible
	ANAPersistentLoss
	ANAChange
)

// Namespace is constructed on demand (first Get) and never freed on
// deactivation, only marked inactive, so existing references remain
// valid across a reset.
type Namespace struct {
	NSID   uint32
	Active bool
	CSI    CommandSetID

	ANAGroupID uint32
	ANAState   ANAState

	// IdentifyData holds the raw Identify Namespace response; typed as
	// opaque bytes here since its layout is a transport/admin-package
	// concern, not a registry concern. IDDescList and IOCSData hold the
	// CNS 0x03 descriptor list and the command-set-specific identify
	// response, when the controller supports them.
	IdentifyData []byte
	IDDescList   []byte
	IOCSData     []byte
}

// ANAGroupDescriptor is one parsed entry from the ANA log page: a
// group id, its state, and the nsids it currently covers.
type ANAGroupDescriptor struct {
	GroupID uint32
	State   ANAState
	NSIDs   []uint32
}

// sizeofANAHeader and sizeofANADescriptor follow the NVMe base
// specification's ANA log page layout: a header carrying the group
// count, then per group a fixed descriptor (group id, num_of_nsid,
// ana state) before its trailing nsid array.
const (
	sizeofANAHeader     = 16
	sizeofANADescriptor = 32
	sizeofNSID          = 4
)

// Registry is the controller's namespace map plus its ANA log buffer
// sizing state, all guarded by one mutex.
type Registry struct {
	mu    sync.Mutex
	byID  map[uint32]*Namespace
	order []uint32 // ascending nsid order, for First/Next iteration

	maxNN          uint32 // cdata.nn, the largest legal nsid
	activeCount    int
	anaBufferBytes int // largest ANA log buffer ever allocated, never shrinks
}

// New returns an empty registry; maxNN is the controller's cdata.nn
// (the largest legal nsid), used only to validate Get calls.
func New(maxNN uint32) *Registry {
	return &Registry{byID: make(map[uint32]*Namespace), maxNN: maxNN}
}

// Get finds or lazily allocates the namespace object for nsid,
// returning nil if nsid is out of the valid [1, maxNN] range.
func (r *Registry) Get(nsid uint32) *Namespace {
	if nsid == 0 || nsid > r.maxNN {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.byID[nsid]; ok {
		return ns
	}
	ns := &Namespace{NSID: nsid}
	r.byID[nsid] = ns
	r.order = insertSorted(r.order, nsid)
	return ns
}

// insertSorted inserts nsid into ids, keeping ids in ascending order.
func insertSorted(ids []uint32, nsid uint32) []uint32 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= nsid })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = nsid
	return ids
}

// FirstActive returns the first namespace (in nsid order) with
// Active==true, or nil if none.
func (r *Registry) FirstActive() *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, nsid := range r.order {
		if ns := r.byID[nsid]; ns.Active {
			return ns
		}
	}
	return nil
}

// NextActive returns the next active namespace after prev (by nsid
// order), or nil if prev is the last active entry.
func (r *Registry) NextActive(prev *Namespace) *Namespace {
	if prev == nil {
		return r.FirstActive()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, nsid := range r.order {
		ns := r.byID[nsid]
		if found && ns.Active {
			return ns
		}
		if nsid == prev.NSID {
			found = true
		}
	}
	return nil
}

// ActiveIDs returns a snapshot of the currently active nsids in nsid
// order, for callers iterating outside the registry lock.
func (r *Registry) ActiveIDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint32, 0, r.activeCount)
	for _, nsid := range r.order {
		if r.byID[nsid].Active {
			ids = append(ids, nsid)
		}
	}
	return ids
}

// ActiveCount returns the cached count of currently active namespaces.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeCount
}

// ReconcileActiveList diffs a freshly identified active-namespace list
// against the existing map: every listed nsid becomes (or stays)
// active; every previously active nsid not in the list is marked
// inactive, never deleted. Returns the newly-activated and
// newly-deactivated nsids, for callers that need to notify AER
// subscribers.
func (r *Registry) ReconcileActiveList(active []uint32) (activated, deactivated []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[uint32]bool, len(active))
	for _, nsid := range active {
		wanted[nsid] = true
	}

	for _, nsid := range r.order {
		ns := r.byID[nsid]
		if ns.Active && !wanted[nsid] {
			ns.Active = false
			deactivated = append(deactivated, nsid)
		}
	}

	for _, nsid := range active {
		ns, ok := r.byID[nsid]
		if !ok {
			ns = &Namespace{NSID: nsid}
			r.byID[nsid] = ns
			r.order = insertSorted(r.order, nsid)
		}
		if !ns.Active {
			ns.Active = true
			activated = append(activated, nsid)
		}
	}

	count := 0
	for _, nsid := range r.order {
		if r.byID[nsid].Active {
			count++
		}
	}
	r.activeCount = count
	return activated, deactivated
}

// ANABufferSize computes the required ANA log buffer size for
// nanagrpid ANA groups covering the registry's current active
// namespace count: sizeof(hdr) + nanagrpid*sizeof(desc) +
// active_ns_count*sizeof(u32). The result never shrinks below the
// largest size previously returned; the buffer only ever grows.
func (r *Registry) ANABufferSize(nanagrpid uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	need := sizeofANAHeader + int(nanagrpid)*sizeofANADescriptor + r.activeCount*sizeofNSID
	if need > r.anaBufferBytes {
		r.anaBufferBytes = need
	}
	return r.anaBufferBytes
}

// ApplyANAGroups applies parsed ANA group descriptors to their member
// namespaces' ANAGroupID/ANAState fields. Namespaces not mentioned by
// any descriptor are left untouched.
func (r *Registry) ApplyANAGroups(groups []ANAGroupDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range groups {
		for _, nsid := range g.NSIDs {
			ns, ok := r.byID[nsid]
			if !ok {
				ns = &Namespace{NSID: nsid}
				r.byID[nsid] = ns
				r.order = insertSorted(r.order, nsid)
			}
			ns.ANAGroupID = g.GroupID
			ns.ANAState = g.State
		}
	}
}
