package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"warden-tg-bot/internal/admission"
	"warden-tg-bot/internal/config"
	"warden-tg-bot/internal/gate"
	"warden-tg-bot/internal/gemini"
	"warden-tg-bot/internal/store"
)

// Bot receives Telegram updates and feeds them to the admission
// pipeline.
type Bot struct {
	api     *tgbotapi.BotAPI
	gate    *gate.Gate
	service *admission.Service
	cfg     config.TelegramConfig
	logger  *slog.Logger

	// Track active update processing
	activeRequests sync.WaitGroup
}

// NewBot creates the Telegram bot and wires the admission service to
// the platform gate.
func NewBot(cfg *config.Config, st *store.Store, gm *gemini.Client, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	g := gate.New(api, logger)
	janitor := admission.NewJanitor(g, logger)
	service := admission.NewService(st, g, gm, gm, janitor, cfg.Admission, logger)

	return &Bot{
		api:     api,
		gate:    g,
		service: service,
		cfg:     cfg.Telegram,
		logger:  logger,
	}, nil
}

// Service exposes the admission service for the sweep.
func (b *Bot) Service() *admission.Service {
	return b.service
}

// Run starts the bot and blocks until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollingTimeout
	// chat_member updates are not delivered unless asked for.
	u.AllowedUpdates = []string{"message", "chat_member", "my_chat_member"}

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("bot started", "username", b.api.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("stopping bot, waiting for active updates")

			// Stop receiving updates
			b.api.StopReceivingUpdates()

			// Wait for active updates with timeout
			done := make(chan struct{})
			go func() {
				b.activeRequests.Wait()
				close(done)
			}()

			select {
			case <-done:
				b.logger.Info("all active updates completed")
			case <-time.After(25 * time.Second):
				b.logger.Warn("some updates may not have completed")
			}

			// Settle or abandon scheduled deletions deterministically.
			b.service.Janitor().Close()

			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				return nil
			}

			// Process update in goroutine
			b.activeRequests.Add(1)
			go func(upd tgbotapi.Update) {
				defer b.activeRequests.Done()

				// Create request context with timeout
				reqCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
				defer cancel()

				b.handleUpdate(reqCtx, upd)
			}(update)
		}
	}
}
