//go:build !linux

package timing

import (
	"time"
)

func acquireNative() error {
	return nil
}

func preciseSleep(d time.Duration) {
	time.Sleep(d)
}
