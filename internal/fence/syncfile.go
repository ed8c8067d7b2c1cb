package fence

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// syncFileInfo mirrors struct sync_file_info from linux/sync_file.h.
type syncFileInfo struct {
	Name      [32]byte
	Status    int32
	Flags     uint32
	NumFences uint32
	_         uint32
	FenceInfo uint64
}

// SYNC_IOC_FILE_INFO is _IOWR('>', 4, struct sync_file_info).
var ioctlSyncFileInfo = uintptr(3)<<30 | unsafe.Sizeof(syncFileInfo{})<<16 | uintptr('>')<<8 | 4

// IsSyncFile reports whether f is a kernel sync_file. Software fences
// (eventfds) are not; only sync_files may be handed to the kernel as
// in-fences.
func (f *Fence) IsSyncFile() bool {
	fd := f.FD()
	if fd < 0 {
		return false
	}
	var info syncFileInfo
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctlSyncFileInfo, uintptr(unsafe.Pointer(&info)))
		if errno == unix.EINTR {
			continue
		}
		return errno == 0
	}
}
