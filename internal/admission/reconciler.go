package admission

import "context"

// OnLeave reconciles a departure with whatever admission state the user
// was in: mid-countdown, pending verification, or none.
func (s *Service) OnLeave(ctx context.Context, ev LeaveEvent) {
	s.logger.Info("member left", "chat_id", ev.ChatID, "user_id", ev.User.ID, "name", ev.User.DisplayName, "banned", ev.Banned)

	if ev.User.ID == s.platform.BotID() {
		// We were removed from the chat: nothing in it is ours to
		// manage anymore, so tear down all persisted state.
		if err := s.store.PurgeChat(ctx, ev.ChatID); err != nil {
			s.logger.Error("failed to purge chat state", "chat_id", ev.ChatID, "error", err)
		}
		return
	}

	removed, err := s.store.RemoveCountdown(ctx, ev.ChatID, ev.User.ID)
	if err != nil {
		s.logger.Error("failed to check countdown on leave", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
	}
	if removed {
		// The user quit before the challenge was even issued. Winning
		// the membership removal makes this path the owner: signal the
		// countdown loop and ban. No ledger entry exists yet.
		s.countdowns.cancel(ev.ChatID, ev.User.ID)
		if _, err := s.ApplyBan(ctx, ev.ChatID, ev.User.ID, ev.User.DisplayName, "left during countdown"); err != nil {
			s.logger.Error("countdown-leave ban failed", "chat_id", ev.ChatID, "user_id", ev.User.ID, "error", err)
		}
		return
	}

	// Idempotent cleanup of any outstanding verification. Safe when
	// nothing exists: claim simply reports not-ours.
	claimed, rec := s.claim(ctx, ev.ChatID, ev.User.ID)
	if claimed {
		s.DeleteRecordMessages(ev.ChatID, rec)
	}

	switch {
	case ev.Banned && ev.Actor.ID == s.platform.BotID():
		// A ban this process issued was already announced by the path
		// that issued it; a second notice would be a duplicate.
	case ev.Banned:
		s.AnnounceBan(ctx, ev.ChatID, UserLink(ev.Actor), UserLink(ev.User), ev.Actor.IsBot)
	default:
		if _, err := s.platform.SendMessage(ev.ChatID, farewellText(UserLink(ev.User))); err != nil {
			s.logger.Warn("failed to send farewell", "chat_id", ev.ChatID, "error", err)
		}
	}
}
