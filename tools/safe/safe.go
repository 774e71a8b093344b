package safe

import (
	"github.com/siddharth-movaliya/os-chat/logger"

	"go.uber.org/zap"
)

// Go starts a goroutine that recovers from panics, so a misbehaving
// handler never takes down the process.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered",
					zap.String("name", name), zap.Any("panic", r))
			}
		}()
		f()
	}()
}
