// Package service wires the namespace tree, the handle registry, and the
// broker client together behind the kernel bridge's FS interface. It is
// pure glue: every opcode handler here is a few lines of lock-tree,
// call-one-or-two-collaborators, translate-error, matching the shape of
// the teacher's samples/memfs implementing fuseutil.FileSystem.
package service

import (
	"log"
	"time"

	"github.com/mburakov/mqttfs/internal/handle"
	"github.com/mburakov/mqttfs/internal/kernel"
	"github.com/mburakov/mqttfs/internal/tree"
)

// Publisher is the subset of *broker.Client a Service needs. Defined here
// so this package does not import internal/broker directly, keeping the
// dependency edge one-directional (cmd/mqttfs wires broker -> service).
type Publisher interface {
	Publish(topic string, payload []byte, holdback time.Duration) error
	CancelByTopic(topic string)
}

// Notifier is the subset of *kernel.Bridge a Service needs to wake blocked
// pollers. Separated from Publisher's construction so Service can be built
// before the Bridge that wraps it exists (the Bridge needs an FS to dispatch
// to, and the FS needs a Notifier to wake - SetNotifier breaks the cycle).
type Notifier interface {
	NotifyPoll(kh uint64) error
}

// Service implements kernel.FS against a namespace tree, a handle registry,
// and a broker publisher.
type Service struct {
	tree     *tree.Tree
	handles  *handle.Registry
	holdback time.Duration

	broker   Publisher
	notifier Notifier
	errorLog *log.Logger
}

// New creates a Service over tr and reg. SetBroker and SetNotifier must be
// called before requests are dispatched, since the broker client and the
// kernel bridge are constructed after the Service they depend on.
func New(tr *tree.Tree, reg *handle.Registry, holdback time.Duration, errorLog *log.Logger) *Service {
	return &Service{tree: tr, handles: reg, holdback: holdback, errorLog: errorLog}
}

// SetBroker supplies the broker client used for outbound publishes. Must be
// called once before Write, Create, or Rename are dispatched.
func (s *Service) SetBroker(b Publisher) { s.broker = b }

// SetNotifier supplies the kernel bridge used to wake blocked pollers. Must
// be called once before OnPublish fires.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// OnPublish is the broker's publish callback: it updates the namespace tree
// and wakes any handle blocked in POLL on the affected node. Registered as
// broker.Config.OnPublish; runs on the broker's worker goroutine, so it
// takes the tree lock itself rather than assuming the caller holds it.
func (s *Service) OnPublish(topic string, payload []byte) {
	s.tree.Mu.Lock()
	id, err := s.tree.InsertPayload(topic, payload)
	var wakes []handle.WakeUp
	if err == nil {
		wakes = s.handles.MarkUpdated(id)
	} else if s.errorLog != nil {
		s.errorLog.Printf("service: dropping publish to %q: %v", topic, err)
	}
	s.tree.Mu.Unlock()

	for _, w := range wakes {
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.NotifyPoll(w.Token); err != nil && s.errorLog != nil {
			s.errorLog.Printf("service: notify poll for handle %d: %v", w.Handle, err)
		}
	}
}

func attrOf(n *tree.Node) kernel.Attr {
	mode := uint32(kernel.ModeReg)
	nlink := uint32(1)
	size := uint64(0)
	if n.IsDir() {
		mode = kernel.ModeDir
		nlink = 2
	} else {
		size = uint64(len(n.Payload()))
	}
	aTime, mTime := n.Times()
	return kernel.Attr{
		NodeID: uint64(n.ID()),
		Size:   size,
		Mode:   mode,
		Nlink:  nlink,
		Atime:  aTime,
		Mtime:  mTime,
	}
}

func translate(err error) error {
	switch err {
	case nil:
		return nil
	case tree.ErrNotFound:
		return kernel.ErrNotFound
	case tree.ErrExists:
		return kernel.ErrExists
	case tree.ErrIsDirectory:
		return kernel.ErrIsDir
	case tree.ErrNotDirectory:
		return kernel.ErrNotDir
	default:
		return kernel.ErrIO
	}
}

// Lookup resolves a child name of parent to its attributes.
func (s *Service) Lookup(parent uint64, name string) (kernel.Attr, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	id, err := s.childOf(tree.NodeID(parent), name)
	if err != nil {
		return kernel.Attr{}, translate(err)
	}
	n, _ := s.tree.Get(id)
	s.tree.Touch(id, true, false)
	return attrOf(n), nil
}

// childOf resolves name under parent without descending any further, by
// reusing Locate over the reconstructed parent path. Callers must hold
// tree.Mu.
func (s *Service) childOf(parent tree.NodeID, name string) (tree.NodeID, error) {
	base := s.tree.Path(parent)
	path := name
	if base != "" {
		path = base + "/" + name
	}
	return s.tree.Locate(path)
}

// Getattr reports id's attributes.
func (s *Service) Getattr(id uint64) (kernel.Attr, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	n, ok := s.tree.Get(tree.NodeID(id))
	if !ok {
		return kernel.Attr{}, kernel.ErrNotFound
	}
	return attrOf(n), nil
}

// Mkdir creates an empty directory child of parent.
func (s *Service) Mkdir(parent uint64, name string, mode uint32) (kernel.Attr, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	id, err := s.tree.CreateEmpty(tree.NodeID(parent), name, true)
	if err != nil {
		return kernel.Attr{}, translate(err)
	}
	n, _ := s.tree.Get(id)
	return attrOf(n), nil
}

// Unlink removes a file child of parent. Unlink and Rmdir are the same
// operation in this bridge: the source's OnFuseUnlink handles both FUSE
// opcodes identically, detaching and destroying the child with no
// directory/file or emptiness distinction.
func (s *Service) Unlink(parent uint64, name string) error {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()
	return translate(s.tree.Remove(tree.NodeID(parent), name))
}

// Rmdir removes a directory child of parent. See Unlink.
func (s *Service) Rmdir(parent uint64, name string) error {
	return s.Unlink(parent, name)
}

// Rename moves or exchanges a namespace entry, per the kernel's RENAME
// opcode and the flags it carries (RENAME_NOREPLACE, RENAME_EXCHANGE).
func (s *Service) Rename(srcParent uint64, srcName string, dstParent uint64, dstName string, flags kernel.RenameFlags) error {
	s.tree.Mu.Lock()

	if flags&kernel.RenameExchange != 0 {
		srcID, err := s.childOf(tree.NodeID(srcParent), srcName)
		if err != nil {
			s.tree.Mu.Unlock()
			return translate(err)
		}
		dstID, err := s.childOf(tree.NodeID(dstParent), dstName)
		if err != nil {
			s.tree.Mu.Unlock()
			return translate(err)
		}
		if s.handles.HasActiveWake(srcID) || s.handles.HasActiveWake(dstID) {
			s.tree.Mu.Unlock()
			return kernel.ErrPerm
		}
		err = s.tree.Exchange(tree.NodeID(srcParent), srcName, tree.NodeID(dstParent), dstName)
		s.tree.Mu.Unlock()
		if err != nil {
			return translate(err)
		}
		s.republish(srcID)
		s.republish(dstID)
		return nil
	}

	srcID, lookupErr := s.childOf(tree.NodeID(srcParent), srcName)
	oldPath := ""
	if lookupErr == nil {
		oldPath = s.tree.Path(srcID)
	}
	err := s.tree.Rename(tree.NodeID(srcParent), srcName, tree.NodeID(dstParent), dstName, flags&kernel.RenameNoreplace != 0)
	s.tree.Mu.Unlock()
	if err != nil {
		return translate(err)
	}

	if s.broker != nil && oldPath != "" {
		s.broker.CancelByTopic(oldPath)
	}
	s.republish(srcID)
	return nil
}

// republish re-sends id's current payload under its current path, used
// after a rename or exchange moved or swapped content so broker subscribers
// observe the change under the node's new topic. Files only; directories
// carry no payload.
func (s *Service) republish(id tree.NodeID) {
	if s.broker == nil {
		return
	}
	s.tree.Mu.Lock()
	n, ok := s.tree.Get(id)
	var topic string
	var payload []byte
	if ok && !n.IsDir() {
		topic = s.tree.Path(id)
		payload = n.Payload()
	}
	s.tree.Mu.Unlock()

	if topic == "" {
		return
	}
	if err := s.broker.Publish(topic, payload, s.holdback); err != nil && s.errorLog != nil {
		s.errorLog.Printf("service: republish %q after rename: %v", topic, err)
	}
}

// Create makes a new empty file child of parent and opens it. Per this
// bridge's adopted Open Question resolution, it never publishes an implicit
// empty payload - that happens on first Write.
func (s *Service) Create(parent uint64, name string) (kernel.Attr, uint64, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	id, err := s.tree.CreateEmpty(tree.NodeID(parent), name, false)
	if err != nil {
		return kernel.Attr{}, 0, translate(err)
	}
	n, _ := s.tree.Get(id)
	fh := s.handles.OpenFile(id)
	return attrOf(n), uint64(fh), nil
}

// Open allocates a file handle for an already-existing node.
func (s *Service) Open(id uint64) (uint64, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	if _, ok := s.tree.Get(tree.NodeID(id)); !ok {
		return 0, kernel.ErrNotFound
	}
	return uint64(s.handles.OpenFile(tree.NodeID(id))), nil
}

// Read returns the clamped payload slice [offset, offset+size) of fh's node.
func (s *Service) Read(fh uint64, offset, size int) ([]byte, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	f := s.handles.File(handle.ID(fh))
	if f == nil {
		return nil, kernel.ErrInval
	}
	n, ok := s.tree.Get(f.Node())
	if !ok {
		return nil, kernel.ErrNotFound
	}

	payload := n.Payload()
	if offset < 0 {
		offset = 0
	}
	if offset > len(payload) {
		offset = len(payload)
	}
	end := offset + size
	if end > len(payload) || size < 0 {
		end = len(payload)
	}
	s.tree.Touch(f.Node(), true, false)
	return payload[offset:end], nil
}

// Write replaces fh's node's entire payload with data, regardless of
// offset, and enqueues an outbound publish. Per this bridge's WRITE
// contract, "payload = last publish" precludes partial-offset writes;
// non-zero offsets are accepted but treated as overwriting from zero.
func (s *Service) Write(fh uint64, offset int, data []byte) (int, error) {
	s.tree.Mu.Lock()
	f := s.handles.File(handle.ID(fh))
	if f == nil {
		s.tree.Mu.Unlock()
		return 0, kernel.ErrInval
	}
	node := f.Node()
	if err := s.tree.SetPayload(node, data); err != nil {
		s.tree.Mu.Unlock()
		return 0, translate(err)
	}
	topic := s.tree.Path(node)
	s.tree.Mu.Unlock()

	if s.broker != nil {
		if err := s.broker.Publish(topic, data, s.holdback); err != nil && s.errorLog != nil {
			s.errorLog.Printf("service: publish %q: %v", topic, err)
		}
	}
	return len(data), nil
}

// Release destroys a file handle.
func (s *Service) Release(fh uint64) error {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()
	s.handles.ReleaseFile(handle.ID(fh))
	return nil
}

// Opendir snapshots id's children into a pre-serialized dirent buffer and
// opens a directory handle over it. The snapshot is frozen at open time:
// subsequent tree mutations are invisible to this handle's Readdir calls,
// per this bridge's readdir-snapshot-stability contract.
func (s *Service) Opendir(id uint64) (uint64, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	dirID := tree.NodeID(id)
	n, ok := s.tree.Get(dirID)
	if !ok || !n.IsDir() {
		return 0, kernel.ErrNotDir
	}

	var buf []byte
	var offset uint64
	next := func() uint64 { offset++; return offset }

	parent := s.tree.Parent(dirID)
	parentInode := uint64(parent)
	if dirID == tree.RootID {
		parentInode = ^uint64(0)
	}
	buf = kernel.AppendDirent(buf, uint64(dirID), next(), kernel.DtDir, ".")
	buf = kernel.AppendDirent(buf, parentInode, next(), kernel.DtDir, "..")

	s.tree.Walk(dirID, func(name string, childID tree.NodeID) {
		child, _ := s.tree.Get(childID)
		fileType := uint32(kernel.DtReg)
		if child.IsDir() {
			fileType = kernel.DtDir
		}
		buf = kernel.AppendDirent(buf, uint64(childID), next(), fileType, name)
	})

	return uint64(s.handles.OpenDir(buf)), nil
}

// Readdir serves entries from dh's frozen snapshot starting after offset.
func (s *Service) Readdir(dh uint64, offset uint64, size int) ([]byte, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	d := s.handles.Dir(handle.ID(dh))
	if d == nil {
		return nil, kernel.ErrInval
	}
	return kernel.SliceDirents(d.Entries, offset, size), nil
}

// Releasedir frees a directory handle.
func (s *Service) Releasedir(dh uint64) error {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()
	s.handles.ReleaseDir(handle.ID(dh))
	return nil
}

// Poll services a POLL request: it reports and clears the handle's updated
// flag, and optionally arms a fresh wake token for a later NotifyPoll.
func (s *Service) Poll(fh uint64, scheduleNotify bool, kh uint64) (uint32, error) {
	s.tree.Mu.Lock()
	defer s.tree.Mu.Unlock()

	f := s.handles.File(handle.ID(fh))
	if f == nil {
		return 0, kernel.ErrInval
	}
	revents := kernel.PollOut
	if f.Poll(scheduleNotify, kh) {
		revents |= kernel.PollIn
	}
	return revents, nil
}
