package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"syscall"
)

// Errno wraps a negative-errno reply. Handlers return it (or a plain error,
// which the Bridge maps to EIO) to signal per-request failure; per this
// bridge's dispatch contract, a request-level failure never disconnects
// the kernel fd.
type Errno syscall.Errno

func (e Errno) Error() string { return syscall.Errno(e).Error() }

var (
	ErrNotFound  = Errno(syscall.ENOENT)
	ErrExists    = Errno(syscall.EEXIST)
	ErrIsDir     = Errno(syscall.EISDIR)
	ErrNotDir    = Errno(syscall.ENOTDIR)
	ErrNoMem     = Errno(syscall.ENOMEM)
	ErrIO        = Errno(syscall.EIO)
	ErrInval     = Errno(syscall.EINVAL)
	ErrPerm      = Errno(syscall.EPERM)
	ErrNoSys     = Errno(syscall.ENOSYS)
)

func errnoOf(err error) int32 {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return -int32(e)
	}
	return -int32(syscall.EIO)
}

// device is the minimal fd-like surface the Bridge needs; production code
// supplies the real /dev/fuse file, tests a pipe.
type device interface {
	io.Reader
	io.Writer
}

// Bridge reads requests from a kernel device fd, dispatches them to an FS,
// and writes replies back. One Bridge serves exactly one mounted
// filesystem's lifetime.
type Bridge struct {
	dev      device
	fs       FS
	debugLog *log.Logger
	errorLog *log.Logger
}

// NewBridge creates a Bridge over dev, dispatching to fs.
func NewBridge(dev io.ReadWriter, fs FS, debugLog, errorLog *log.Logger) *Bridge {
	return &Bridge{dev: dev, fs: fs, debugLog: debugLog, errorLog: errorLog}
}

// Serve reads and dispatches requests until the device returns an error
// (including the clean ENODEV/EOF a kernel returns after unmount).
func (b *Bridge) Serve() error {
	for {
		hdr, payload, err := b.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, syscall.ENODEV) {
				return nil
			}
			return err
		}
		b.dispatch(hdr, payload)
	}
}

func (b *Bridge) readMessage() (InHeader, []byte, error) {
	var raw [InHeaderSize]byte
	if _, err := io.ReadFull(b.dev, raw[:]); err != nil {
		return InHeader{}, nil, err
	}
	hdr := InHeader{
		Len:     binary.LittleEndian.Uint32(raw[0:4]),
		Opcode:  Opcode(binary.LittleEndian.Uint32(raw[4:8])),
		Unique:  binary.LittleEndian.Uint64(raw[8:16]),
		NodeID:  binary.LittleEndian.Uint64(raw[16:24]),
		UID:     binary.LittleEndian.Uint32(raw[24:28]),
		GID:     binary.LittleEndian.Uint32(raw[28:32]),
		PID:     binary.LittleEndian.Uint32(raw[32:36]),
		Padding: binary.LittleEndian.Uint32(raw[36:40]),
	}
	if hdr.Len < InHeaderSize {
		return InHeader{}, nil, fmt.Errorf("kernel: short message length %d", hdr.Len)
	}
	payload := make([]byte, hdr.Len-InHeaderSize)
	if _, err := io.ReadFull(b.dev, payload); err != nil {
		return InHeader{}, nil, err
	}
	return hdr, payload, nil
}

func (b *Bridge) reply(unique uint64, errno int32, body []byte) {
	out := make([]byte, OutHeaderSize, OutHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(OutHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(errno))
	binary.LittleEndian.PutUint64(out[8:16], unique)
	out = append(out, body...)
	if _, err := b.dev.Write(out); err != nil && b.errorLog != nil {
		b.errorLog.Printf("kernel: writing reply for unique=%d: %v", unique, err)
	}
}

// NotifyPoll sends an out-of-band wake notification carrying kh, the
// kernel-issued wake token recorded by a prior POLL. The kernel responds
// by issuing a fresh POLL request, which observes the node's updated flag.
func (b *Bridge) NotifyPoll(kh uint64) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint64(body, kh)
	out := make([]byte, OutHeaderSize, OutHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(OutHeaderSize+len(body)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(-notifyCodePoll))
	binary.LittleEndian.PutUint64(out[8:16], 0)
	out = append(out, body...)
	_, err := b.dev.Write(out)
	return err
}

func nulTerminated(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func (b *Bridge) dispatch(hdr InHeader, payload []byte) {
	if b.debugLog != nil {
		b.debugLog.Printf("-> %v unique=%d node=%d", hdr.Opcode, hdr.Unique, hdr.NodeID)
	}

	switch hdr.Opcode {
	case OpInit:
		// Negotiated protocol major/minor; this bridge accepts whatever the
		// kernel proposes and echoes it back, since no feature flags beyond
		// the basics are needed.
		if len(payload) < 8 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		body := make([]byte, 8)
		binary.LittleEndian.PutUint32(body[0:4], binary.LittleEndian.Uint32(payload[0:4]))
		binary.LittleEndian.PutUint32(body[4:8], binary.LittleEndian.Uint32(payload[4:8]))
		b.reply(hdr.Unique, 0, body)

	case OpForget:
		// No-op: node lifetime is tied to unlink/shutdown, not lookup
		// refcounts. FORGET carries no reply.

	case OpLookup:
		name := nulTerminated(payload)
		attr, err := b.fs.Lookup(hdr.NodeID, name)
		b.replyAttr(hdr.Unique, attr, err)

	case OpGetattr:
		attr, err := b.fs.Getattr(hdr.NodeID)
		b.replyAttr(hdr.Unique, attr, err)

	case OpMkdir:
		if len(payload) < 8 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		mode := binary.LittleEndian.Uint32(payload[0:4])
		name := nulTerminated(payload[8:])
		attr, err := b.fs.Mkdir(hdr.NodeID, name, mode)
		b.replyAttr(hdr.Unique, attr, err)

	case OpUnlink:
		err := b.fs.Unlink(hdr.NodeID, nulTerminated(payload))
		b.reply(hdr.Unique, errnoOf(err), nil)

	case OpRmdir:
		err := b.fs.Rmdir(hdr.NodeID, nulTerminated(payload))
		b.reply(hdr.Unique, errnoOf(err), nil)

	case OpRename:
		b.handleRename(hdr, payload)

	case OpCreate:
		if len(payload) < 8 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		name := nulTerminated(payload[8:])
		attr, fh, err := b.fs.Create(hdr.NodeID, name)
		if err != nil {
			b.reply(hdr.Unique, errnoOf(err), nil)
			return
		}
		body := appendAttr(nil, attr)
		body = binary.LittleEndian.AppendUint64(body, fh)
		b.reply(hdr.Unique, 0, body)

	case OpOpen:
		fh, err := b.fs.Open(hdr.NodeID)
		if err != nil {
			b.reply(hdr.Unique, errnoOf(err), nil)
			return
		}
		body := binary.LittleEndian.AppendUint64(nil, fh)
		b.reply(hdr.Unique, 0, body)

	case OpRead:
		if len(payload) < 24 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		offset := int(binary.LittleEndian.Uint64(payload[8:16]))
		size := int(binary.LittleEndian.Uint32(payload[16:20]))
		data, err := b.fs.Read(fh, offset, size)
		b.reply(hdr.Unique, errnoOf(err), data)

	case OpWrite:
		if len(payload) < 16 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		offset := int(binary.LittleEndian.Uint64(payload[8:16]))
		n, err := b.fs.Write(fh, offset, payload[16:])
		if err != nil {
			b.reply(hdr.Unique, errnoOf(err), nil)
			return
		}
		body := binary.LittleEndian.AppendUint32(nil, uint32(n))
		b.reply(hdr.Unique, 0, body)

	case OpRelease:
		if len(payload) < 8 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		err := b.fs.Release(fh)
		b.reply(hdr.Unique, errnoOf(err), nil)

	case OpOpendir:
		dh, err := b.fs.Opendir(hdr.NodeID)
		if err != nil {
			b.reply(hdr.Unique, errnoOf(err), nil)
			return
		}
		body := binary.LittleEndian.AppendUint64(nil, dh)
		b.reply(hdr.Unique, 0, body)

	case OpReaddir:
		if len(payload) < 24 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		dh := binary.LittleEndian.Uint64(payload[0:8])
		offset := binary.LittleEndian.Uint64(payload[8:16])
		size := int(binary.LittleEndian.Uint32(payload[16:20]))
		entries, err := b.fs.Readdir(dh, offset, size)
		b.reply(hdr.Unique, errnoOf(err), entries)

	case OpReleasedir:
		if len(payload) < 8 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		dh := binary.LittleEndian.Uint64(payload[0:8])
		err := b.fs.Releasedir(dh)
		b.reply(hdr.Unique, errnoOf(err), nil)

	case OpPoll:
		if len(payload) < 24 {
			b.reply(hdr.Unique, errnoOf(ErrInval), nil)
			return
		}
		fh := binary.LittleEndian.Uint64(payload[0:8])
		kh := binary.LittleEndian.Uint64(payload[8:16])
		flags := binary.LittleEndian.Uint32(payload[16:20])
		revents, err := b.fs.Poll(fh, flags&PollScheduleNotify != 0, kh)
		if err != nil {
			b.reply(hdr.Unique, errnoOf(err), nil)
			return
		}
		body := binary.LittleEndian.AppendUint32(nil, revents)
		b.reply(hdr.Unique, 0, body)

	default:
		b.reply(hdr.Unique, errnoOf(ErrNoSys), nil)
	}
}

func (b *Bridge) replyAttr(unique uint64, attr Attr, err error) {
	if err != nil {
		b.reply(unique, errnoOf(err), nil)
		return
	}
	b.reply(unique, 0, appendAttr(nil, attr))
}

func appendAttr(buf []byte, a Attr) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, a.NodeID)
	buf = binary.LittleEndian.AppendUint64(buf, a.Size)
	buf = binary.LittleEndian.AppendUint32(buf, a.Mode)
	buf = binary.LittleEndian.AppendUint32(buf, a.Nlink)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Atime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(a.Mtime))
	return buf
}

// handleRename decodes a RENAME payload: newdir id, flags and four bytes of
// padding, then the two NUL-terminated names back to back.
func (b *Bridge) handleRename(hdr InHeader, payload []byte) {
	if len(payload) < 16 {
		b.reply(hdr.Unique, errnoOf(ErrInval), nil)
		return
	}
	newDir := binary.LittleEndian.Uint64(payload[0:8])
	flags := RenameFlags(binary.LittleEndian.Uint32(payload[8:12]))
	rest := payload[16:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		b.reply(hdr.Unique, errnoOf(ErrInval), nil)
		return
	}
	oldName := string(rest[:i])
	newName := nulTerminated(rest[i+1:])

	err := b.fs.Rename(hdr.NodeID, oldName, newDir, newName, flags)
	b.reply(hdr.Unique, errnoOf(err), nil)
}
