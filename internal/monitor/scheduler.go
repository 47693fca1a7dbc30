package monitor

import (
	"sync"
	"time"
)

// Scheduler runs background work for a Controller
type Scheduler interface {
	// Every runs task once per interval until the returned cancel function
	// is called. Runs of the same task never overlap.
	Every(interval time.Duration, task func()) (cancel func())

	// Go runs task once in the background
	Go(task func())
}

// TickerScheduler schedules tasks on time.Ticker loops
type TickerScheduler struct{}

// Every starts a ticker loop for task
func (TickerScheduler) Every(interval time.Duration, task func()) func() {
	ticker := time.NewTicker(interval)
	stopChan := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				task()
			case <-stopChan:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stopChan) })
	}
}

// Go runs task on a new goroutine
func (TickerScheduler) Go(task func()) {
	go task()
}
