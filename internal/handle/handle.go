// Package handle implements the per-open-file and per-open-directory state:
// id-keyed arenas replacing the source's intrusive doubly-linked handle
// lists, and the poll wake-token bookkeeping used to deliver edge-triggered
// readability notifications.
//
// Callers are expected to hold the owning tree.Tree's lock for every method
// here, since handle state and node state are mutated under the same single
// lock in this bridge's concurrency model.
package handle

import "github.com/mburakov/mqttfs/internal/tree"

// ID identifies an open file or directory handle, as returned to the kernel
// in place of a pointer.
type ID uint64

// File is the state of one open file handle.
type File struct {
	node    tree.NodeID
	updated bool
	hasWake bool
	wake    uint64 // kernel-supplied "kh" token, valid only if hasWake
}

// Node returns the handle's owning node.
func (f *File) Node() tree.NodeID { return f.node }

// Dir is one pre-serialized directory listing captured at OPENDIR
// time. It is a plain byte buffer; serialization format lives in
// internal/kernel, which is the only consumer that understands dirent wire
// layout. Keeping the bytes opaque here keeps this package free of a
// dependency on the kernel package.
type Dir struct {
	Entries []byte
}

// Registry is the arena of open file and directory handles. The zero value
// is not usable; use New.
type Registry struct {
	files   []*File // indexed by ID - 1; nil entries are free
	freeIDs []ID

	dirs     []*Dir
	freeDirs []ID

	// byNode indexes open file handles by the node they point at, so a
	// publish arriving at a node can broadcast to every handle without a
	// linear scan of the whole registry.
	byNode map[tree.NodeID]map[ID]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byNode: map[tree.NodeID]map[ID]struct{}{}}
}

// OpenFile creates a new file handle for node and returns its id.
func (r *Registry) OpenFile(node tree.NodeID) ID {
	f := &File{node: node}
	var id ID
	if n := len(r.freeIDs); n > 0 {
		id = r.freeIDs[n-1]
		r.freeIDs = r.freeIDs[:n-1]
		r.files[id-1] = f
	} else {
		id = ID(len(r.files) + 1)
		r.files = append(r.files, f)
	}

	set, ok := r.byNode[node]
	if !ok {
		set = map[ID]struct{}{}
		r.byNode[node] = set
	}
	set[id] = struct{}{}
	return id
}

// File returns the file handle for id, or nil if it is not open.
func (r *Registry) File(id ID) *File {
	if id < 1 || int(id) > len(r.files) {
		return nil
	}
	return r.files[id-1]
}

// ReleaseFile destroys a file handle. O(1), unlike the source's intrusive
// list unlink it replaces.
func (r *Registry) ReleaseFile(id ID) {
	f := r.File(id)
	if f == nil {
		return
	}
	if set := r.byNode[f.node]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byNode, f.node)
		}
	}
	r.files[id-1] = nil
	r.freeIDs = append(r.freeIDs, id)
}

// HandlesForNode calls visit once for each open file handle on node. Used
// to broadcast publish wake-ups.
func (r *Registry) HandlesForNode(node tree.NodeID, visit func(ID, *File)) {
	for id := range r.byNode[node] {
		visit(id, r.files[id-1])
	}
}

// HasActiveWake reports whether any open handle on node currently holds an
// armed wake token. Used to decide whether a RENAME_EXCHANGE must be
// rejected.
func (r *Registry) HasActiveWake(node tree.NodeID) bool {
	active := false
	r.HandlesForNode(node, func(_ ID, f *File) {
		if f.hasWake {
			active = true
		}
	})
	return active
}

// MarkUpdated sets the updated flag on every open handle for node and
// returns the set of (handle id, wake token) pairs that were armed; each
// returned wake token is cleared from its handle as part of this call,
// matching the one-shot nature of a kernel wake token.
func (r *Registry) MarkUpdated(node tree.NodeID) []WakeUp {
	var wakes []WakeUp
	r.HandlesForNode(node, func(id ID, f *File) {
		f.updated = true
		if f.hasWake {
			wakes = append(wakes, WakeUp{Handle: id, Token: f.wake})
			f.hasWake = false
		}
	})
	return wakes
}

// WakeUp names one kernel wake token to notify.
type WakeUp struct {
	Handle ID
	Token  uint64
}

// Poll services a POLL request against f: it consumes and reports the
// updated flag, arms a new wake token replacing any previously stored one
// if requested, and always reports writable.
func (f *File) Poll(scheduleNotify bool, token uint64) (readable bool) {
	readable = f.updated
	f.updated = false
	if scheduleNotify {
		// Replace whatever wake token was previously stored. A second POLL
		// before the first fires supersedes it rather than stacking.
		f.hasWake = true
		f.wake = token
	}
	return readable
}

// OpenDir stores a directory snapshot and returns its handle id.
func (r *Registry) OpenDir(snapshot []byte) ID {
	d := &Dir{Entries: snapshot}
	var id ID
	if n := len(r.freeDirs); n > 0 {
		id = r.freeDirs[n-1]
		r.freeDirs = r.freeDirs[:n-1]
		r.dirs[id-1] = d
	} else {
		id = ID(len(r.dirs) + 1)
		r.dirs = append(r.dirs, d)
	}
	return id
}

// Dir returns the directory handle for id, or nil if it is not open.
func (r *Registry) Dir(id ID) *Dir {
	if id < 1 || int(id) > len(r.dirs) {
		return nil
	}
	return r.dirs[id-1]
}

// ReleaseDir frees a directory handle.
func (r *Registry) ReleaseDir(id ID) {
	if id < 1 || int(id) > len(r.dirs) {
		return
	}
	r.dirs[id-1] = nil
	r.freeDirs = append(r.freeDirs, id)
}
