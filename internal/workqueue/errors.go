package workqueue

import "errors"

var (
	ErrDisabled  = errors.New("workqueue disabled")
	ErrStopped   = errors.New("workqueue not running")
	ErrQueueFull = errors.New("workqueue full")
	ErrNoHandler = errors.New("no handler for job type")
)
