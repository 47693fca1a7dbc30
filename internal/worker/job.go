package worker

import (
	"context"
	"errors"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken
	ErrQueueFull = errors.New("worker queue is full")
	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("worker pool is stopped")
)

// Task is one unit of background work
type Task struct {
	// Name identifies the task in logs
	Name string
	Run  func(ctx context.Context) error
}
