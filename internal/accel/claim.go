package accel

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Claim is an exclusive, process-visible hold on the device.
type Claim struct {
	f    *os.File
	path string
}

// AcquireClaim takes a non-blocking exclusive flock on path.
func AcquireClaim(path string) (*Claim, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open device lock %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, path)
		}
		return nil, fmt.Errorf("lock device %q: %w", path, err)
	}
	return &Claim{f: f, path: path}, nil
}

func (c *Claim) Path() string { return c.path }

// Release drops the lock. The lock file itself is left in place.
func (c *Claim) Release() error {
	if c == nil || c.f == nil {
		return nil
	}
	err := unix.Flock(int(c.f.Fd()), unix.LOCK_UN)
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	c.f = nil
	return err
}
