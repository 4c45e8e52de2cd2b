//go:build linux

package cas

import (
	"errors"
	"log"
	"os"

	"golang.org/x/sys/unix"
)

// setImmutable sets FS_IMMUTABLE_FL via the ext2-style ioctl interface.
// Doing so requires CAP_LINUX_IMMUTABLE; lacking it is a recorded
// InvariantViolation, not a silent no-op (see DESIGN.md Open Question 2).
func setImmutable(path string) error {
	return withAttrFlags(path, func(flags int) int { return flags | unix.FS_IMMUTABLE_FL })
}

func clearImmutable(path string) error {
	return withAttrFlags(path, func(flags int) int { return flags &^ unix.FS_IMMUTABLE_FL })
}

func withAttrFlags(path string, mutate func(int) int) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	fd := int(f.Fd())
	flags, err := unix.IoctlGetInt(fd, unix.FS_IOC_GETFLAGS)
	if err != nil {
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EOPNOTSUPP) {
			// Filesystem doesn't support extended attributes (e.g. tmpfs,
			// overlayfs in some configurations). Nothing to enforce.
			return nil
		}
		return err
	}
	want := mutate(flags)
	if want == flags {
		return nil
	}
	if err := unix.IoctlSetPointerInt(fd, unix.FS_IOC_SETFLAGS, want); err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			log.Printf("cas: lacking CAP_LINUX_IMMUTABLE for %q; invariant recorded but not enforced", path)
			return nil
		}
		return err
	}
	return nil
}
