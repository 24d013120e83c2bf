// Package rt applies best-effort real-time scheduling hints to the control
// goroutine.
package rt

import (
	"log"
	"runtime"
)

// DefaultNice is the priority Elevate asks for.
const DefaultNice = -10

// Elevate locks the calling goroutine to its OS thread and raises the
// process priority. Failure to raise the priority is logged and returned;
// the thread lock always applies. The returned release func unlocks the
// thread.
func Elevate(nice int) (release func(), err error) {
	runtime.LockOSThread()
	release = runtime.UnlockOSThread
	if err := setPriority(nice); err != nil {
		log.Printf("Could not raise scheduling priority to %d: %v (continuing at normal priority)", nice, err)
		return release, err
	}
	log.Printf("Control loop scheduling priority raised to %d", nice)
	return release, nil
}
