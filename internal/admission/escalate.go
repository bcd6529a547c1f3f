package admission

import (
	"context"
	"fmt"
	"time"
)

// TierDuration maps the infraction count to a ban duration. The mapping
// is non-decreasing: one day, thirty days, then a year for everything
// after that.
func TierDuration(count int64) time.Duration {
	switch {
	case count <= 1:
		return 24 * time.Hour
	case count == 2:
		return 30 * 24 * time.Hour
	default:
		return 365 * 24 * time.Hour
	}
}

func tierLabel(d time.Duration) string {
	switch d {
	case 24 * time.Hour:
		return "1 day"
	case 30 * 24 * time.Hour:
		return "30 days"
	default:
		return "1 year"
	}
}

// ApplyBan is the single path through which every ban in the system is
// issued. It bumps the infraction counter, arms the forgiveness window
// on a first offence and bans for the resulting tier.
func (s *Service) ApplyBan(ctx context.Context, chatID, userID int64, displayName, reason string) (time.Duration, error) {
	count, err := s.store.IncrBanCount(ctx, chatID, userID, s.cfg.ForgivenessWindow)
	if err != nil {
		return 0, fmt.Errorf("escalate: %w", err)
	}

	d := TierDuration(count)
	if err := s.platform.BanUntil(chatID, userID, s.clock().Add(d)); err != nil {
		return d, fmt.Errorf("ban member: %w", err)
	}

	s.logger.Info("member banned",
		"chat_id", chatID,
		"user_id", userID,
		"name", displayName,
		"reason", reason,
		"tier", count,
		"duration", tierLabel(d),
	)
	return d, nil
}

// AnnounceBan posts the mocking ban line (generated copy, static
// fallback) and schedules its deletion.
func (s *Service) AnnounceBan(ctx context.Context, chatID int64, actor, target string, actorIsBot bool) {
	line, err := s.lines.KickLine(ctx, actor, target, actorIsBot)
	if err != nil || line == "" {
		if err != nil {
			s.logger.Warn("kick line generation failed", "chat_id", chatID, "error", err)
		}
		line = fallbackKickLine(actor, target)
	}

	msgID, err := s.platform.SendMessage(chatID, line)
	if err != nil {
		s.logger.Warn("failed to send ban announcement", "chat_id", chatID, "error", err)
		return
	}
	s.janitor.After(s.cfg.CleanupDelay, chatID, msgID)
}
