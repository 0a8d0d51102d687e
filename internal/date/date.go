// Package date provides a cached, thread-safe RFC1123 date string so error
// replies do not format time.Now() per response.
package date

import (
	"sync/atomic"
	"time"
)

// currentDate stores the cached date bytes for lock-free reads.
var currentDate atomic.Pointer[[]byte]

// StartTicker refreshes the cached date every 500ms and returns a stop
// function.
func StartTicker() func() {
	update()

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				update()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

func update() {
	b := []byte(time.Now().UTC().Format(time.RFC1123))
	currentDate.Store(&b)
}

// Current returns the cached date header bytes, formatting on the spot if
// the ticker has not started.
func Current() []byte {
	if p := currentDate.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(time.RFC1123))
}
