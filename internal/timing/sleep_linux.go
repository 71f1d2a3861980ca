//go:build linux

package timing

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// maxNativeResolution is the coarsest monotonic clock resolution Native accepts.
const maxNativeResolution = time.Microsecond

func acquireNative() error {
	var res unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_MONOTONIC, &res); err != nil {
		return fmt.Errorf("%w: clock_getres: %v", ErrTimerAcquisition, err)
	}
	if got := time.Duration(res.Nano()); got > maxNativeResolution {
		return fmt.Errorf("%w: monotonic resolution %v exceeds %v", ErrTimerAcquisition, got, maxNativeResolution)
	}
	return nil
}

// preciseSleep blocks the calling thread in nanosleep, resuming after EINTR
// with the leftover interval.
func preciseSleep(d time.Duration) {
	req := unix.NsecToTimespec(d.Nanoseconds())
	for {
		var rem unix.Timespec
		err := unix.Nanosleep(&req, &rem)
		if err == nil {
			return
		}
		if !errors.Is(err, unix.EINTR) {
			time.Sleep(time.Duration(req.Nano()))
			return
		}
		req = rem
	}
}
