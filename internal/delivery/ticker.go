package delivery

import (
	"sync"
	"time"
)

// Ticker calls a function at a fixed interval until stopped.
type Ticker struct {
	stop chan struct{}
	once sync.Once
}

// StartTicker calls fn every interval in its own goroutine. fn receives the
// ticker so callers can tell a live ticker from one that has been replaced.
func StartTicker(interval time.Duration, fn func(t *Ticker)) *Ticker {
	t := &Ticker{stop: make(chan struct{})}
	go func() {
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-tk.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn(t)
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Stop ends the ticker. It never blocks and may be called from within fn.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}
