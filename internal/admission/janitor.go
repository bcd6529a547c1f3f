package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"warden-tg-bot/internal/gate"
)

// deleter is the single platform operation the janitor needs.
type deleter interface {
	DeleteMessage(chatID int64, messageID int) error
}

// Janitor runs tracked delayed message deletions. Unlike fire-and-forget
// goroutines, every scheduled deletion is registered, so shutdown either
// waits for or abandons them deterministically.
type Janitor struct {
	platform deleter
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJanitor(platform deleter, logger *slog.Logger) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		platform: platform,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// After schedules the message for deletion once the delay elapses.
func (j *Janitor) After(delay time.Duration, chatID int64, messageID int) {
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-j.ctx.Done():
			return
		case <-timer.C:
		}

		if err := j.platform.DeleteMessage(chatID, messageID); err != nil {
			if gate.KindOf(err) != gate.KindNotFound {
				j.logger.Warn("delayed delete failed",
					"chat_id", chatID, "message_id", messageID, "error", err)
			}
		}
	}()
}

// Close abandons pending deletions and waits for in-flight ones.
func (j *Janitor) Close() {
	j.cancel()
	j.wg.Wait()
}
