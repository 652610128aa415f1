package safe

import (
	"PPChat/logger"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers and logs panics, so that one
// misbehaving task doesn't crash the whole process.
func Go(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover is meant to be deferred at the top of long-running goroutines.
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered", zap.String("task", name), zap.Any("panic", r), zap.Stack("stack"))
	}
}
