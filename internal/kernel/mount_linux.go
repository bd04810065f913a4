package kernel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mount opens /dev/fuse and issues the raw mount(2) syscall for dir,
// advertising filesystem type "fuse.mqttfs" per this bridge's mount
// contract. The returned file is the kernel device fd a Bridge should be
// constructed over; Unmount must be called (and the returned file closed)
// to tear the mount down.
func Mount(dir string) (*os.File, error) {
	fd, err := unix.Open("/dev/fuse", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kernel: open /dev/fuse: %w", err)
	}

	opts := fmt.Sprintf("fd=%d,rootmode=40000,user_id=%d,group_id=%d,allow_other",
		fd, os.Getuid(), os.Getgid())
	if err := unix.Mount("mqttfs", dir, "fuse.mqttfs", 0, opts); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kernel: mount %q: %w", dir, err)
	}

	return os.NewFile(uintptr(fd), "/dev/fuse"), nil
}

// Unmount reverses Mount, asking the kernel to tear down dir. The caller
// still owns closing the device file returned by Mount.
func Unmount(dir string) error {
	if err := unix.Unmount(dir, 0); err != nil {
		return fmt.Errorf("kernel: unmount %q: %w", dir, err)
	}
	return nil
}
