package kernel

// Attr is the subset of node attributes this bridge reports to the kernel:
// size and mode/nlink derived from the directory/file discriminator, per
// this bridge's GETATTR contract.
type Attr struct {
	NodeID uint64
	Size   uint64
	Mode   uint32 // S_IFDIR|0755 or S_IFREG|0644
	Nlink  uint32
	Atime  int64 // UnixNano
	Mtime  int64 // UnixNano
}

// Mode bits this bridge reports for GETATTR/LOOKUP/MKDIR/CREATE replies: a
// fixed directory mode and a fixed regular-file mode, matching this
// system's "no access-control checks beyond trivial mode bits" scope.
const (
	ModeDir = 0040755 // S_IFDIR | 0755
	ModeReg = 0100644 // S_IFREG | 0644
)

// RenameFlags carries the kernel's rename(2) flag bits this bridge
// recognizes.
type RenameFlags uint32

const (
	RenameNoreplace RenameFlags = 1 << 0
	RenameExchange  RenameFlags = 1 << 1
)

// FS is implemented by the service layer that wires the namespace tree,
// handle registry, and broker client together. Every method corresponds to
// one kernel opcode's effect, exactly as tabulated for this bridge; FORGET
// has no method here because it is a documented no-op (see Bridge.dispatch).
type FS interface {
	Lookup(parent uint64, name string) (Attr, error)
	Getattr(id uint64) (Attr, error)
	Mkdir(parent uint64, name string, mode uint32) (Attr, error)
	Unlink(parent uint64, name string) error
	Rmdir(parent uint64, name string) error
	Rename(srcParent uint64, srcName string, dstParent uint64, dstName string, flags RenameFlags) error
	Create(parent uint64, name string) (Attr, uint64, error)
	Open(id uint64) (fh uint64, err error)
	Read(fh uint64, offset, size int) ([]byte, error)
	Write(fh uint64, offset int, data []byte) (int, error)
	Release(fh uint64) error
	Opendir(id uint64) (dh uint64, err error)
	Readdir(dh uint64, offset uint64, size int) ([]byte, error)
	Releasedir(dh uint64) error
	Poll(fh uint64, scheduleNotify bool, kh uint64) (revents uint32, err error)
}
