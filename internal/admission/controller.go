package admission

import (
	"context"
	"time"

	"warden-tg-bot/internal/gate"
	"warden-tg-bot/internal/store"
)

// OnJoin runs the admission flow for a new member: restrict, countdown,
// then the image challenge. Blocks for the duration of the countdown,
// so the dispatcher runs it on its own goroutine.
func (s *Service) OnJoin(ctx context.Context, ev JoinEvent) {
	if ev.User.ID == s.platform.BotID() {
		// Our own install event, delivered via my_chat_member. The bot
		// never verifies itself.
		return
	}

	s.logger.Info("member joined", "chat_id", ev.ChatID, "user_id", ev.User.ID, "name", ev.User.DisplayName, "bot", ev.User.IsBot)

	if ev.User.IsBot {
		s.admitBot(ctx, ev)
		return
	}

	if err := s.store.AddCountdown(ctx, ev.ChatID, ev.User.ID, s.cfg.CountdownTTL); err != nil {
		s.logger.Error("failed to start countdown", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		return
	}
	cancel := s.countdowns.add(ev.ChatID, ev.User.ID)
	defer s.countdowns.remove(ev.ChatID, ev.User.ID)

	if err := s.platform.RestrictToPhotos(ev.ChatID, ev.User.ID); err != nil {
		s.logger.Error("failed to restrict new member", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		s.abandonCountdown(ctx, ev, 0)
		return
	}

	link := UserLink(ev.User)
	template := pickCountdownTemplate()

	msgID, err := s.platform.SendMessage(ev.ChatID, renderCountdown(template, link, s.cfg.CountdownTicks))
	if err != nil {
		s.logger.Error("failed to send countdown", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		s.abandonCountdown(ctx, ev, 0)
		return
	}

	for sec := s.cfg.CountdownTicks - 1; sec >= 1; sec-- {
		select {
		case <-ctx.Done():
			s.abandonCountdown(ctx, ev, msgID)
			return
		case <-cancel:
			// The exit reconciler took over; it owns membership and
			// the ban. Only the countdown message is ours to remove.
			s.deleteQuietly(ev.ChatID, msgID)
			return
		case <-time.After(s.tick):
		}

		if err := s.platform.EditMessage(ev.ChatID, msgID, renderCountdown(template, link, sec)); err != nil {
			if gate.KindOf(err) == gate.KindNotFound {
				// Someone deleted the countdown message: treat as a
				// request to stop, clear state, no further action.
				s.clearCountdown(ctx, ev)
				return
			}
			s.logger.Error("countdown edit failed", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
			s.abandonCountdown(ctx, ev, msgID)
			return
		}

		// Backstop for a missed cancel signal: membership is the
		// authoritative race arbiter.
		if in, err := s.store.InCountdown(ctx, ev.ChatID, ev.User.ID); err == nil && !in {
			s.deleteQuietly(ev.ChatID, msgID)
			return
		}
	}

	// Final tick: whoever removes the membership entry owns the outcome.
	removed, err := s.store.RemoveCountdown(ctx, ev.ChatID, ev.User.ID)
	if err != nil {
		s.logger.Error("failed to settle countdown", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		s.deleteQuietly(ev.ChatID, msgID)
		return
	}
	if !removed {
		// The exit reconciler already resolved a leave race.
		s.deleteQuietly(ev.ChatID, msgID)
		return
	}

	s.deleteQuietly(ev.ChatID, msgID)
	s.issueChallenge(ctx, ev)
}

// issueChallenge posts the challenge prompt and records the pending
// verification. The record must exist before the flow ends, otherwise
// the member would stay muted with nothing driving a resolution.
func (s *Service) issueChallenge(ctx context.Context, ev JoinEvent) {
	msgID, err := s.platform.SendMessage(ev.ChatID, challengeText(UserLink(ev.User), s.cfg.ChallengeSubject, s.cfg.BanAfter))
	if err != nil {
		s.logger.Error("failed to send challenge", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		s.unmuteQuietly(ev.ChatID, ev.User.ID)
		return
	}

	p := &store.PendingVerification{
		ChatID:             ev.ChatID,
		UserID:             ev.User.ID,
		DisplayName:        ev.User.DisplayName,
		ChallengeMessageID: msgID,
		JoinedAt:           s.clock().Unix(),
	}
	if err := s.store.PutPending(ctx, p); err != nil {
		// Without a ledger entry nothing would ever unmute the user;
		// back the whole step out.
		s.logger.Error("failed to persist verification", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		s.deleteQuietly(ev.ChatID, msgID)
		s.unmuteQuietly(ev.ChatID, ev.User.ID)
	}
}

// admitBot handles an automated account joining: no countdown, no
// evaluator, just a restriction and a notice the admin override path
// resolves like any other challenge.
func (s *Service) admitBot(ctx context.Context, ev JoinEvent) {
	if err := s.platform.RestrictToPhotos(ev.ChatID, ev.User.ID); err != nil {
		s.logger.Error("failed to restrict joining bot", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
	}

	msgID, err := s.platform.SendMessage(ev.ChatID, botArrivalText(UserLink(ev.User)))
	if err != nil {
		s.logger.Error("failed to send bot arrival notice", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		return
	}

	p := &store.PendingVerification{
		ChatID:             ev.ChatID,
		UserID:             ev.User.ID,
		DisplayName:        ev.User.DisplayName,
		ChallengeMessageID: msgID,
		JoinedAt:           s.clock().Unix(),
	}
	if err := s.store.PutPending(ctx, p); err != nil {
		s.logger.Error("failed to persist bot verification", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
	}
}

// abandonCountdown clears countdown state after a send/edit failure and
// makes sure the member is not left muted with no ledger entry behind.
func (s *Service) abandonCountdown(ctx context.Context, ev JoinEvent, msgID int) {
	s.clearCountdown(ctx, ev)
	if msgID != 0 {
		s.deleteQuietly(ev.ChatID, msgID)
	}
	s.unmuteQuietly(ev.ChatID, ev.User.ID)
}

func (s *Service) clearCountdown(ctx context.Context, ev JoinEvent) {
	if _, err := s.store.RemoveCountdown(ctx, ev.ChatID, ev.User.ID); err != nil {
		s.logger.Warn("failed to clear countdown entry", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
	}
}

// deleteQuietly removes a message, ignoring already-gone targets.
func (s *Service) deleteQuietly(chatID int64, messageID int) {
	if err := s.platform.DeleteMessage(chatID, messageID); err != nil {
		if gate.KindOf(err) != gate.KindNotFound {
			s.logger.Warn("failed to delete message", "chat_id", chatID, "message_id", messageID, "error", err)
		}
	}
}

func (s *Service) unmuteQuietly(chatID, userID int64) {
	if err := s.platform.LiftRestrictions(chatID, userID); err != nil {
		s.logger.Warn("failed to lift restrictions", "chat_id", chatID, "user_id", userID, "error", err)
	}
}
