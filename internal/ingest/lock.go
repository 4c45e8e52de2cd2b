package ingest

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockPath takes a non-blocking advisory shared lock on path (creating it
// if absent as a zero-byte sentinel next to where the blob will land isn't
// appropriate; instead we lock the source path itself), retrying with
// capped exponential backoff. This prevents a concurrent store+delete race
// on the same source file.
func lockPath(path string) (unlock func(), err error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	backoff := 2 * time.Millisecond
	const maxBackoff = 200 * time.Millisecond
	const maxAttempts = 12
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB)
		if err == nil {
			return func() {
				unix.Flock(int(f.Fd()), unix.LOCK_UN)
				f.Close()
			}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EAGAIN) {
			f.Close()
			return nil, fmt.Errorf("ingest: flock: %w", err)
		}
		if attempt >= maxAttempts {
			f.Close()
			return nil, fmt.Errorf("ingest: flock: exhausted retries")
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
