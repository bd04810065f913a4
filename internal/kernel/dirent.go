package kernel

import "encoding/binary"

// direntAlign is the alignment boundary the kernel dirent wire format pads
// each record to.
const direntAlign = 8

func direntPadding(recordLen int) int {
	rem := recordLen % direntAlign
	if rem == 0 {
		return 0
	}
	return direntAlign - rem
}

// AppendDirent appends one packed directory-entry record to buf: inode
// (u64), nextOffset (u64), name length (u32), file type (u32), the name
// bytes, then zero padding to an 8-byte boundary. nextOffset is the value
// the kernel will echo back as the READDIR offset to resume after this
// entry.
func AppendDirent(buf []byte, inode, nextOffset uint64, fileType uint32, name string) []byte {
	head := len(buf)
	buf = binary.LittleEndian.AppendUint64(buf, inode)
	buf = binary.LittleEndian.AppendUint64(buf, nextOffset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(name)))
	buf = binary.LittleEndian.AppendUint32(buf, fileType)
	buf = append(buf, name...)

	recordLen := len(buf) - head
	for i := 0; i < direntPadding(recordLen); i++ {
		buf = append(buf, 0)
	}
	return buf
}

// dirent is one decoded record, used when scanning a snapshot to find the
// entry a READDIR's requested offset resumes from.
type dirent struct {
	inode      uint64
	nextOffset uint64
	name       string
	recordLen  int // including padding
}

func parseDirent(buf []byte) (d dirent, ok bool) {
	const fixed = 8 + 8 + 4 + 4
	if len(buf) < fixed {
		return dirent{}, false
	}
	inode := binary.LittleEndian.Uint64(buf[0:8])
	next := binary.LittleEndian.Uint64(buf[8:16])
	nameLen := int(binary.LittleEndian.Uint32(buf[16:20]))
	if len(buf) < fixed+nameLen {
		return dirent{}, false
	}
	name := string(buf[fixed : fixed+nameLen])
	recordLen := fixed + nameLen + direntPadding(fixed+nameLen)
	return dirent{inode: inode, nextOffset: next, name: name, recordLen: recordLen}, true
}

// SliceDirents scans a directory snapshot (as built by AppendDirent calls)
// for the entry whose nextOffset equals startOffset - i.e. the entry the
// kernel last saw - and returns as many whole entries following it as fit
// within limit bytes. An offset of 0 starts from the beginning of the
// snapshot.
func SliceDirents(snapshot []byte, startOffset uint64, limit int) []byte {
	pos := 0
	if startOffset != 0 {
		for pos < len(snapshot) {
			d, ok := parseDirent(snapshot[pos:])
			if !ok {
				break
			}
			next := pos + d.recordLen
			if d.nextOffset == startOffset {
				pos = next
				break
			}
			pos = next
		}
	}

	var out []byte
	for pos < len(snapshot) {
		d, ok := parseDirent(snapshot[pos:])
		if !ok {
			break
		}
		if len(out)+d.recordLen > limit {
			break
		}
		out = append(out, snapshot[pos:pos+d.recordLen]...)
		pos += d.recordLen
	}
	return out
}
