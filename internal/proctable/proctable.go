// Package proctable tracks the processes sharing a controller handle:
// which pid opened it first (the primary), which pids attached after
// (secondaries), and whether each is still alive. A single Go process
// may host multiple logical attachments; liveness is probed the POSIX
// way, with kill(pid, 0).
package proctable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Role distinguishes the process that created the controller handle
// from every other process that has since attached to it.
type Role int

const (
	RolePrimary Role = iota
	RoleSecondary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

// Proc is one registered process attachment.
type Proc struct {
	PID  int
	Role Role

	mu       sync.Mutex
	refCount int
}

// Alive reports whether the process is still running, using the
// standard kill(pid, 0) liveness probe: no signal is delivered, only
// existence and permission are checked.
func (p *Proc) Alive() bool {
	err := unix.Kill(p.PID, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// RefCount returns the current attachment reference count.
func (p *Proc) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

func (p *Proc) addRef() {
	p.mu.Lock()
	p.refCount++
	p.mu.Unlock()
}

// release decrements the reference count and reports whether it
// reached zero (caller should then remove the Proc from the Table).
func (p *Proc) release() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount--
	return p.refCount <= 0
}

// Table is the process registry for one controller handle. The first
// process to call Attach becomes the primary; every subsequent
// distinct pid is a secondary. Re-attaching an already-registered pid
// just bumps its reference count.
type Table struct {
	mu    sync.Mutex
	procs map[int]*Proc
	order []int
}

// New returns an empty process table.
func New() *Table {
	return &Table{procs: make(map[int]*Proc)}
}

// Attach registers pid, assigning it the primary role if it is the
// first process ever attached to this table, secondary otherwise.
func (t *Table) Attach(pid int) *Proc {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.procs[pid]; ok {
		p.addRef()
		return p
	}

	role := RoleSecondary
	if len(t.procs) == 0 {
		role = RolePrimary
	}
	p := &Proc{PID: pid, Role: role, refCount: 1}
	t.procs[pid] = p
	t.order = append(t.order, pid)
	return p
}

// Detach drops one reference for pid, removing it from the table once
// its reference count reaches zero. Returns true if the process was
// found (regardless of whether it was removed).
func (t *Table) Detach(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.procs[pid]
	if !ok {
		return false
	}
	if p.release() {
		delete(t.procs, pid)
		for i, existing := range t.order {
			if existing == pid {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	}
	return true
}

// Get returns the registered Proc for pid, if any.
func (t *Table) Get(pid int) (*Proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Primary returns the current primary process, if one is registered.
func (t *Table) Primary() (*Proc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pid := range t.order {
		if p := t.procs[pid]; p.Role == RolePrimary {
			return p, true
		}
	}
	return nil, false
}

// All returns every registered process in attach order.
func (t *Table) All() []*Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Proc, 0, len(t.order))
	for _, pid := range t.order {
		out = append(out, t.procs[pid])
	}
	return out
}

// ReapDead removes every registered process that is no longer alive
// and returns their pids. Called periodically by the controller's
// admin pump.
func (t *Table) ReapDead() []int {
	t.mu.Lock()
	dead := make([]int, 0)
	for pid, p := range t.procs {
		if !p.Alive() {
			dead = append(dead, pid)
		}
	}
	t.mu.Unlock()

	for _, pid := range dead {
		t.mu.Lock()
		delete(t.procs, pid)
		for i, existing := range t.order {
			if existing == pid {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
	}
	return dead
}

// Len returns the number of currently registered processes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}
