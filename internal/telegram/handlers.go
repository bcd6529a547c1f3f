package telegram

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"warden-tg-bot/internal/admission"
)

// handleUpdate routes one update into the admission pipeline.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.ChatMember != nil:
		b.handleMemberUpdate(ctx, update.ChatMember)
	case update.MyChatMember != nil:
		b.handleMemberUpdate(ctx, update.MyChatMember)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

// isMember reports whether a chat member status means presence in the
// chat. Restricted members may or may not still be in it.
func isMember(m tgbotapi.ChatMember) bool {
	switch m.Status {
	case "member", "administrator", "creator":
		return true
	case "restricted":
		return m.IsMember
	default:
		return false
	}
}

func toMember(u *tgbotapi.User) admission.Member {
	if u == nil {
		return admission.Member{}
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return admission.Member{ID: u.ID, DisplayName: name, IsBot: u.IsBot}
}

func (b *Bot) handleMemberUpdate(ctx context.Context, ev *tgbotapi.ChatMemberUpdated) {
	wasIn := isMember(ev.OldChatMember)
	isIn := isMember(ev.NewChatMember)

	switch {
	case !wasIn && isIn:
		b.service.OnJoin(ctx, admission.JoinEvent{
			ChatID: ev.Chat.ID,
			User:   toMember(ev.NewChatMember.User),
		})
	case wasIn && !isIn:
		b.service.OnLeave(ctx, admission.LeaveEvent{
			ChatID: ev.Chat.ID,
			User:   toMember(ev.NewChatMember.User),
			Actor:  toMember(&ev.From),
			Banned: ev.NewChatMember.Status == "kicked",
		})
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.Chat.IsGroup() && !msg.Chat.IsSuperGroup() {
		return
	}

	// The admission pipeline sees every message first, commands included:
	// a command from a user with an outstanding verification is noise
	// like any other text from them.
	if b.service.OnMessage(ctx, toIncoming(msg, b.api.Self.ID)) {
		return
	}

	if msg.IsCommand() && msg.Command() == "hello_m" {
		b.handleWelcomeCommand(ctx, msg)
	}
}

func toIncoming(msg *tgbotapi.Message, botID int64) admission.IncomingMessage {
	in := admission.IncomingMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		From:      toMember(msg.From),
		Text:      msg.Text,
		Forwarded: msg.ForwardDate != 0,
	}
	if len(msg.Photo) > 0 {
		// The last size is the largest rendition.
		in.PhotoFileID = msg.Photo[len(msg.Photo)-1].FileID
	}
	if reply := msg.ReplyToMessage; reply != nil {
		in.ReplyToMessageID = reply.MessageID
		in.ReplyToText = reply.Text
		if reply.From != nil {
			in.ReplyToBot = reply.From.ID == botID
		}
	}
	return in
}

// handleWelcomeCommand lets chat admins set the welcome template. The
// template may contain FNAME, substituted with the admitted member's
// name.
func (b *Bot) handleWelcomeCommand(ctx context.Context, msg *tgbotapi.Message) {
	admin, err := b.service.IsChatAdmin(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		b.logger.Error("admin check failed", "chat_id", msg.Chat.ID, "user_id", msg.From.ID, "error", err)
		return
	}
	if !admin {
		return
	}

	template := strings.TrimSpace(msg.CommandArguments())
	if template == "" {
		if _, err := b.gate.ReplyMessage(msg.Chat.ID, msg.MessageID, "Put the welcome text after /hello_m. FNAME becomes the member's name."); err != nil {
			b.logger.Warn("failed to send usage", "chat_id", msg.Chat.ID, "error", err)
		}
		return
	}

	if err := b.service.SetWelcome(ctx, msg.Chat.ID, template); err != nil {
		b.logger.Error("failed to store welcome template", "chat_id", msg.Chat.ID, "error", err)
		return
	}
	if _, err := b.gate.ReplyMessage(msg.Chat.ID, msg.MessageID, "🫡"); err != nil {
		b.logger.Warn("failed to confirm welcome template", "chat_id", msg.Chat.ID, "error", err)
	}
}
