// Package admission implements the join verification pipeline: the
// countdown on join, the image challenge, admin overrides, escalation
// bans and the reconciliation of leave events with in-flight state.
package admission

import (
	"context"
	"log/slog"
	"time"

	"warden-tg-bot/internal/config"
	"warden-tg-bot/internal/gemini"
	"warden-tg-bot/internal/store"
)

// Platform is the chat platform surface the pipeline acts through.
// Implemented by gate.Gate.
type Platform interface {
	BotID() int64
	BotName() string
	SendMessage(chatID int64, text string) (int, error)
	ReplyMessage(chatID int64, replyTo int, text string) (int, error)
	EditMessage(chatID int64, messageID int, text string) error
	DeleteMessage(chatID int64, messageID int) error
	RestrictToPhotos(chatID, userID int64) error
	LiftRestrictions(chatID, userID int64) error
	BanUntil(chatID, userID int64, until time.Time) error
	ChatAdmins(chatID int64) ([]int64, error)
	MemberStatus(chatID, userID int64) (string, error)
	DownloadFile(fileID string) ([]byte, error)
}

// Evaluator judges challenge photos.
type Evaluator interface {
	EvaluateImage(ctx context.Context, image []byte, subject string) (gemini.Verdict, error)
}

// LineWriter produces ban announcement copy. Callers always have a
// static fallback; a LineWriter failure never blocks a ban.
type LineWriter interface {
	KickLine(ctx context.Context, actor, target string, actorIsBot bool) (string, error)
}

// Member identifies a chat participant in an event.
type Member struct {
	ID          int64
	DisplayName string
	IsBot       bool
}

// JoinEvent is a member joining a chat.
type JoinEvent struct {
	ChatID int64
	User   Member
}

// LeaveEvent is a member leaving a chat, voluntarily or not.
type LeaveEvent struct {
	ChatID int64
	User   Member
	// Actor is who caused the transition: the user themselves on a
	// voluntary leave, the banning admin or bot otherwise.
	Actor Member
	// Banned is true when the platform reports the member as kicked.
	Banned bool
}

// IncomingMessage is a group message as seen by the resolver.
type IncomingMessage struct {
	ChatID      int64
	MessageID   int
	From        Member
	Text        string
	PhotoFileID string
	Forwarded   bool
	// ReplyTo fields describe the message being replied to, if any.
	ReplyToMessageID int
	ReplyToBot       bool
	ReplyToText      string
}

const adminCacheTTL = 5 * time.Minute

// Service orchestrates the admission pipeline. All cross-event
// coordination goes through the store; the only in-process state is the
// countdown cancel registry, for which the store stays the backstop.
type Service struct {
	store     *store.Store
	platform  Platform
	evaluator Evaluator
	lines     LineWriter
	janitor   *Janitor
	cfg       config.AdmissionConfig
	logger    *slog.Logger

	countdowns *cancelRegistry

	// clock and tick are injected by tests.
	clock func() time.Time
	tick  time.Duration
}

func NewService(
	st *store.Store,
	platform Platform,
	evaluator Evaluator,
	lines LineWriter,
	janitor *Janitor,
	cfg config.AdmissionConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:      st,
		platform:   platform,
		evaluator:  evaluator,
		lines:      lines,
		janitor:    janitor,
		cfg:        cfg,
		logger:     logger,
		countdowns: newCancelRegistry(),
		clock:      time.Now,
		tick:       time.Second,
	}
}

// Janitor returns the delayed-deletion worker so the owner can close it
// on shutdown.
func (s *Service) Janitor() *Janitor {
	return s.janitor
}

// Platform exposes the chat platform to the sweep.
func (s *Service) Platform() Platform {
	return s.platform
}

// isAdmin reports whether the user administers the chat, going through
// the short-lived admin cache. The platform stays authoritative: a cold
// cache is refilled from it.
func (s *Service) isAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	ids, err := s.store.GetAdmins(ctx, chatID)
	if err == store.ErrNotFound {
		ids, err = s.platform.ChatAdmins(chatID)
		if err != nil {
			return false, err
		}
		if err := s.store.SetAdmins(ctx, chatID, ids, adminCacheTTL); err != nil {
			s.logger.Warn("failed to cache admins", "chat_id", chatID, "error", err)
		}
	} else if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// SetWelcome stores a chat's custom welcome template. The template may
// reference FNAME, replaced with the new member's name on admission.
func (s *Service) SetWelcome(ctx context.Context, chatID int64, template string) error {
	return s.store.SetWelcome(ctx, chatID, template)
}

// IsChatAdmin is the exported admin check used by command handlers.
func (s *Service) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	return s.isAdmin(ctx, chatID, userID)
}
