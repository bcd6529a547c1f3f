// Package sweep enforces verification time budgets independently of
// live chat events: reminders after the notify threshold, escalation
// bans after the ban threshold, and teardown of chats the bot was
// removed from.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"warden-tg-bot/internal/admission"
	"warden-tg-bot/internal/config"
	"warden-tg-bot/internal/gate"
	"warden-tg-bot/internal/store"
)

// sweepLock serializes passes over one chat so an overrunning pass and
// the next tick never double-process it.
const sweepLock = "sweep"

type Sweeper struct {
	store  *store.Store
	svc    *admission.Service
	cfg    config.AdmissionConfig
	logger *slog.Logger

	// clock is injected by tests.
	clock func() time.Time
}

func New(st *store.Store, svc *admission.Service, cfg config.AdmissionConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  st,
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
	}
}

// Run sweeps at the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single idempotent pass over every chat with
// outstanding verifications. Safe to overlap with live resolution
// paths: every destructive step claims its record first.
func (s *Sweeper) RunOnce(ctx context.Context) {
	pass := uuid.NewString()[:8]

	chats, err := s.store.PendingChats(ctx)
	if err != nil {
		s.logger.Error("sweep scan failed", "pass", pass, "error", err)
		return
	}

	for _, chatID := range chats {
		acquired, err := s.store.AcquireLock(ctx, chatID, sweepLock, s.cfg.SweepInterval)
		if err != nil {
			s.logger.Error("sweep lock failed", "pass", pass, "chat_id", chatID, "error", err)
			continue
		}
		if !acquired {
			continue
		}
		func() {
			defer func() {
				if err := s.store.ReleaseLock(ctx, chatID, sweepLock); err != nil {
					s.logger.Warn("sweep unlock failed", "pass", pass, "chat_id", chatID, "error", err)
				}
			}()
			s.sweepChat(ctx, pass, chatID)
		}()
	}
}

func (s *Sweeper) sweepChat(ctx context.Context, pass string, chatID int64) {
	pendings, err := s.store.ListPending(ctx, chatID)
	if err != nil {
		s.logger.Error("sweep list failed", "pass", pass, "chat_id", chatID, "error", err)
		return
	}

	now := s.clock().Unix()
	for _, p := range pendings {
		elapsed := time.Duration(now-p.JoinedAt) * time.Second

		var err error
		switch {
		case elapsed >= s.cfg.BanAfter:
			err = s.expire(ctx, p)
		case elapsed >= s.cfg.NotifyAfter && !p.Notified:
			err = s.remind(ctx, p, elapsed)
		}
		if err == nil {
			continue
		}
		if gate.KindOf(err) == gate.KindChatGone {
			// The bot was removed or the chat is gone: self-healing
			// teardown, and the rest of this chat's records go with it.
			s.logger.Warn("chat gone, purging state", "pass", pass, "chat_id", chatID)
			if purgeErr := s.store.PurgeChat(ctx, chatID); purgeErr != nil {
				s.logger.Error("chat purge failed", "pass", pass, "chat_id", chatID, "error", purgeErr)
			}
			return
		}
		// A single record's failure never aborts the rest of the pass.
		s.logger.Error("sweep record failed", "pass", pass, "chat_id", chatID, "user_id", p.UserID, "error", err)
	}
}

// remind posts the one reminder each verification gets, with the time
// remaining and a link back to the challenge message.
func (s *Sweeper) remind(ctx context.Context, p *store.PendingVerification, elapsed time.Duration) error {
	member := admission.Member{ID: p.UserID, DisplayName: p.DisplayName}
	text := admission.ReminderText(member, s.cfg.BanAfter-elapsed, p.ChatID, p.ChallengeMessageID)

	msgID, err := s.svc.Platform().SendMessage(p.ChatID, text)
	if err != nil {
		return err
	}

	p.Notified = true
	p.ReminderMessageID = msgID
	written, err := s.store.UpdatePending(ctx, p)
	if err != nil {
		return err
	}
	if !written {
		// A live resolution claimed the record between the list read and
		// the write-back. The record stays gone; only the now-stale
		// reminder needs removing.
		if delErr := s.svc.Platform().DeleteMessage(p.ChatID, msgID); delErr != nil && gate.KindOf(delErr) != gate.KindNotFound {
			s.logger.Warn("failed to remove stale reminder", "chat_id", p.ChatID, "message_id", msgID, "error", delErr)
		}
	}
	return nil
}

// expire bans a verification that ran out its time budget. The record
// is claimed first; if the ban then fails the record is put back so the
// next pass retries it (at-least-once delivery for bans).
func (s *Sweeper) expire(ctx context.Context, p *store.PendingVerification) error {
	rec, claimed, err := s.store.ClaimPending(ctx, p.ChatID, p.UserID)
	if err != nil {
		return err
	}
	if !claimed {
		// A live resolution got there first.
		return nil
	}

	if _, err := s.svc.ApplyBan(ctx, p.ChatID, p.UserID, p.DisplayName, "verification timeout"); err != nil {
		if putErr := s.store.PutPending(ctx, rec); putErr != nil {
			s.logger.Error("failed to restore record after ban failure",
				"chat_id", p.ChatID, "user_id", p.UserID, "error", putErr)
		}
		return err
	}

	member := admission.Member{ID: p.UserID, DisplayName: p.DisplayName}
	s.svc.AnnounceBan(ctx, p.ChatID, s.svc.Platform().BotName(), admission.UserLink(member), true)
	s.svc.DeleteRecordMessages(p.ChatID, rec)
	return nil
}
