// Package gate wraps the Telegram API behind the small surface the
// admission pipeline needs and classifies platform failures into a
// closed set of kinds, so handlers never match on error strings.
package gate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind classifies a platform failure.
type Kind int

const (
	// KindNone means no error or an error from outside the platform.
	KindNone Kind = iota
	// KindNotFound covers missing messages and already-deleted targets.
	// Always recoverable locally.
	KindNotFound
	// KindChatGone means the chat no longer exists or the bot was
	// removed from it. Triggers per-chat state teardown.
	KindChatGone
	// KindForbidden means the bot lacks rights for the operation.
	KindForbidden
	// KindTransient covers everything else (network, rate limits).
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindChatGone:
		return "chat_gone"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "none"
	}
}

// Error is a platform failure tagged with its kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if err != nil {
		return KindTransient
	}
	return KindNone
}

// classify maps raw Telegram API errors onto kinds. String matching on
// the platform's error text is confined to this one function.
func classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was kicked"),
		strings.Contains(msg, "bot is not a member"),
		strings.Contains(msg, "group chat was upgraded"):
		return KindChatGone
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "message can't be deleted"),
		strings.Contains(msg, "message is not modified"),
		strings.Contains(msg, "message to edit not found"):
		return KindNotFound
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "can't remove chat owner"),
		strings.Contains(msg, "user is an administrator"):
		return KindForbidden
	default:
		return KindTransient
	}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

// Gate is the Telegram platform adapter.
type Gate struct {
	api    *tgbotapi.BotAPI
	http   *http.Client
	logger *slog.Logger
}

func New(api *tgbotapi.BotAPI, logger *slog.Logger) *Gate {
	return &Gate{
		api:    api,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// BotID is the bot's own user ID, used to recognize self-leave events
// and bans issued by this process.
func (g *Gate) BotID() int64 {
	return g.api.Self.ID
}

// BotName is the bot's display name.
func (g *Gate) BotName() string {
	if g.api.Self.FirstName != "" {
		return g.api.Self.FirstName
	}
	return g.api.Self.UserName
}

// SendMessage posts an HTML-formatted message and returns its ID.
func (g *Gate) SendMessage(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	sent, err := g.api.Send(msg)
	if err != nil {
		return 0, wrap("send message", err)
	}
	return sent.MessageID, nil
}

// ReplyMessage posts an HTML-formatted reply to another message.
func (g *Gate) ReplyMessage(chatID int64, replyTo int, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyToMessageID = replyTo
	sent, err := g.api.Send(msg)
	if err != nil {
		return 0, wrap("reply message", err)
	}
	return sent.MessageID, nil
}

// EditMessage replaces the text of an existing message.
func (g *Gate) EditMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true
	_, err := g.api.Send(edit)
	return wrap("edit message", err)
}

// DeleteMessage removes a message.
func (g *Gate) DeleteMessage(chatID int64, messageID int) error {
	_, err := g.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return wrap("delete message", err)
}

// RestrictToPhotos mutes the member except for media attachments, so
// the challenge can still be answered with a picture. No expiry.
func (g *Gate) RestrictToPhotos(chatID, userID int64) error {
	_, err := g.api.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMediaMessages: true,
		},
	})
	return wrap("restrict member", err)
}

// LiftRestrictions restores normal send permissions.
func (g *Gate) LiftRestrictions(chatID, userID int64) error {
	// A short until-date makes Telegram drop the member back to the
	// chat's default permissions once it lapses.
	_, err := g.api.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		UntilDate:        time.Now().Add(35 * time.Second).Unix(),
		Permissions: &tgbotapi.ChatPermissions{
			CanSendMessages:       true,
			CanSendMediaMessages:  true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	})
	return wrap("lift restrictions", err)
}

// BanUntil bans the member until the given time.
func (g *Gate) BanUntil(chatID, userID int64, until time.Time) error {
	_, err := g.api.Request(tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID},
		UntilDate:        until.Unix(),
	})
	return wrap("ban member", err)
}

// ChatAdmins fetches the administrator IDs from the platform. Callers
// are expected to cache the result; the platform stays authoritative.
func (g *Gate) ChatAdmins(chatID int64) ([]int64, error) {
	admins, err := g.api.GetChatAdministrators(tgbotapi.ChatAdministratorsConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
	})
	if err != nil {
		return nil, wrap("get chat administrators", err)
	}
	ids := make([]int64, 0, len(admins))
	for _, a := range admins {
		ids = append(ids, a.User.ID)
	}
	return ids, nil
}

// MemberStatus returns the member's status string ("member",
// "restricted", "left", "kicked", ...).
func (g *Gate) MemberStatus(chatID, userID int64) (string, error) {
	member, err := g.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return "", wrap("get chat member", err)
	}
	return member.Status, nil
}

// DownloadFile fetches the raw bytes of an uploaded file.
func (g *Gate) DownloadFile(fileID string) ([]byte, error) {
	url, err := g.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, wrap("get file url", err)
	}
	resp, err := g.http.Get(url)
	if err != nil {
		return nil, wrap("download file", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, wrap("download file", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap("read file body", err)
	}
	return data, nil
}
