package admission

import (
	"context"
	"strings"
	"time"

	"warden-tg-bot/internal/gemini"
	"warden-tg-bot/internal/store"
)

// notice is how long usage hints and nag replies stay up.
const noticeTTL = 7 * time.Second

// OnMessage resolves chat messages against outstanding verifications.
// Returns true when the message belonged to the admission pipeline and
// normal message processing should be suppressed.
func (s *Service) OnMessage(ctx context.Context, m IncomingMessage) bool {
	p, err := s.store.GetPending(ctx, m.ChatID, m.From.ID)
	if err == nil {
		s.resolveOwn(ctx, p, m)
		return true
	}
	if err != store.ErrNotFound {
		s.logger.Error("failed to load verification", "chat_id", m.ChatID, "user_id", m.From.ID, "error", err)
		return false
	}

	// Not a pending user. An admin replying to a challenge message can
	// still resolve someone else's verification by keyword.
	if m.ReplyToBot && m.Text != "" && isChallengeMessage(m.ReplyToText) {
		return s.resolveOverride(ctx, m)
	}
	return false
}

// resolveOwn handles a message from a user whose own verification is
// outstanding.
func (s *Service) resolveOwn(ctx context.Context, p *store.PendingVerification, m IncomingMessage) {
	member := Member{ID: p.UserID, DisplayName: p.DisplayName}

	switch {
	case m.PhotoFileID != "" && m.Forwarded:
		// A forwarded picture is challenge evasion: no evaluator call,
		// straight to the ban.
		s.deleteQuietly(m.ChatID, m.MessageID)
		claimed, rec := s.claim(ctx, m.ChatID, m.From.ID)
		if !claimed {
			return
		}
		if _, err := s.ApplyBan(ctx, m.ChatID, m.From.ID, p.DisplayName, "forwarded challenge photo"); err != nil {
			s.logger.Error("evasion ban failed", "chat_id", m.ChatID, "user_id", m.From.ID, "error", err)
		} else {
			s.AnnounceBan(ctx, m.ChatID, s.platform.BotName(), UserLink(member), true)
		}
		s.DeleteRecordMessages(m.ChatID, rec)

	case m.PhotoFileID != "" && m.ReplyToMessageID == p.ChallengeMessageID:
		s.evaluateAnswer(ctx, p, m)

	default:
		// Anything else from a pending user is noise: remove it and nag.
		s.deleteQuietly(m.ChatID, m.MessageID)
		if msgID, err := s.platform.SendMessage(m.ChatID, replyToChallenge); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
	}
}

// evaluateAnswer runs the challenge evaluator over the submitted photo.
func (s *Service) evaluateAnswer(ctx context.Context, p *store.PendingVerification, m IncomingMessage) {
	image, err := s.platform.DownloadFile(m.PhotoFileID)
	if err != nil {
		s.logger.Error("failed to download challenge photo", "chat_id", m.ChatID, "user_id", m.From.ID, "error", err)
		if msgID, err := s.platform.ReplyMessage(m.ChatID, m.MessageID, photoProcessFailure); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
		return
	}

	verdict, err := s.evaluator.EvaluateImage(ctx, image, s.cfg.ChallengeSubject)
	if err != nil {
		// Evaluator failures degrade to inconclusive; the user retries.
		s.logger.Warn("evaluator failed", "chat_id", m.ChatID, "user_id", m.From.ID, "error", err)
	}

	switch verdict {
	case gemini.VerdictPass:
		s.admit(ctx, m.ChatID, m.From.ID, p.DisplayName)
	case gemini.VerdictFail:
		s.deleteQuietly(m.ChatID, m.MessageID)
		if msgID, err := s.platform.SendMessage(m.ChatID, retryWrongContent); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
	default:
		s.deleteQuietly(m.ChatID, m.MessageID)
		if msgID, err := s.platform.SendMessage(m.ChatID, retryInconclusive); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
	}
}

// resolveOverride interprets an admin's keyword reply to a challenge
// message. Returns true when the message was consumed.
func (s *Service) resolveOverride(ctx context.Context, m IncomingMessage) bool {
	admin, err := s.isAdmin(ctx, m.ChatID, m.From.ID)
	if err != nil {
		s.logger.Error("admin check failed", "chat_id", m.ChatID, "user_id", m.From.ID, "error", err)
		return false
	}
	if !admin {
		return false
	}

	target := s.pendingByChallenge(ctx, m.ChatID, m.ReplyToMessageID)
	if target == nil {
		if msgID, err := s.platform.ReplyMessage(m.ChatID, m.MessageID, windowClosed); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
		return true
	}

	switch {
	case isAcceptKeyword(m.Text):
		s.admit(ctx, m.ChatID, target.UserID, target.DisplayName)

	case isBanKeyword(m.Text):
		claimed, rec := s.claim(ctx, m.ChatID, target.UserID)
		if !claimed {
			return true
		}
		if _, err := s.ApplyBan(ctx, m.ChatID, target.UserID, target.DisplayName, "admin override"); err != nil {
			s.logger.Error("admin ban failed", "chat_id", m.ChatID, "user_id", target.UserID, "error", err)
		} else {
			banned := Member{ID: target.UserID, DisplayName: target.DisplayName}
			s.AnnounceBan(ctx, m.ChatID, UserLink(m.From), UserLink(banned), false)
		}
		s.deleteQuietly(m.ChatID, m.MessageID)
		s.DeleteRecordMessages(m.ChatID, rec)

	default:
		if msgID, err := s.platform.ReplyMessage(m.ChatID, m.MessageID, adminUsage); err == nil {
			s.janitor.After(noticeTTL, m.ChatID, msgID)
		}
	}
	return true
}

// admit is the shared success path for an evaluator pass and an admin
// accept: claim the record, unmute, welcome, clean up.
func (s *Service) admit(ctx context.Context, chatID, userID int64, displayName string) {
	claimed, rec := s.claim(ctx, chatID, userID)
	if !claimed {
		// A concurrent path resolved it first.
		return
	}

	if err := s.platform.LiftRestrictions(chatID, userID); err != nil {
		s.logger.Error("failed to unmute admitted member", "chat_id", chatID, "user_id", userID, "error", err)
	}

	template, err := s.store.GetWelcome(ctx, chatID)
	if err != nil && err != store.ErrNotFound {
		s.logger.Warn("failed to load welcome template", "chat_id", chatID, "error", err)
	}
	if _, err := s.platform.SendMessage(chatID, welcomeText(template, displayName)); err != nil {
		s.logger.Warn("failed to send welcome", "chat_id", chatID, "error", err)
	}

	s.DeleteRecordMessages(chatID, rec)
	s.logger.Info("member admitted", "chat_id", chatID, "user_id", userID, "name", displayName)
}

// claim removes the ledger entry, reporting whether this caller won it.
func (s *Service) claim(ctx context.Context, chatID, userID int64) (bool, *store.PendingVerification) {
	rec, claimed, err := s.store.ClaimPending(ctx, chatID, userID)
	if err != nil {
		s.logger.Error("failed to claim verification", "chat_id", chatID, "user_id", userID, "error", err)
		return false, nil
	}
	return claimed, rec
}

// DeleteRecordMessages best-effort removes every message tied to a
// claimed record. Runs strictly after the record is gone, so re-entry
// is a no-op.
func (s *Service) DeleteRecordMessages(chatID int64, rec *store.PendingVerification) {
	if rec == nil {
		return
	}
	for _, id := range rec.MessageIDs() {
		s.deleteQuietly(chatID, id)
	}
}

// pendingByChallenge finds the verification whose challenge message the
// admin replied to.
func (s *Service) pendingByChallenge(ctx context.Context, chatID int64, challengeMessageID int) *store.PendingVerification {
	pendings, err := s.store.ListPending(ctx, chatID)
	if err != nil {
		s.logger.Error("failed to list verifications", "chat_id", chatID, "error", err)
		return nil
	}
	for _, p := range pendings {
		if p.ChallengeMessageID == challengeMessageID {
			return p
		}
	}
	return nil
}

func isChallengeMessage(text string) bool {
	return strings.Contains(text, challengeMarker)
}
