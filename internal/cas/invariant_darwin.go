//go:build darwin

package cas

import "golang.org/x/sys/unix"

// setImmutable sets UF_IMMUTABLE via chflags(2), APFS/HFS+'s immutable bit.
func setImmutable(path string) error {
	flags, err := currentFlags(path)
	if err != nil {
		return err
	}
	return unix.Chflags(path, flags|unix.UF_IMMUTABLE)
}

func clearImmutable(path string) error {
	flags, err := currentFlags(path)
	if err != nil {
		return err
	}
	return unix.Chflags(path, flags&^unix.UF_IMMUTABLE)
}

func currentFlags(path string) (int, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return 0, nil
		}
		return 0, err
	}
	return int(st.Flags), nil
}
