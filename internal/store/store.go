package store

import "errors"

// SchemaVersion is stamped into every persisted record so future layouts
// can migrate on read.
const SchemaVersion = 1

// ErrNotFound indicates the requested record does not exist. Concurrent
// resolution paths treat it as "already handled elsewhere".
var ErrNotFound = errors.New("store: not found")

// PendingVerification is the durable record of an outstanding join
// challenge, one per (chat, user).
type PendingVerification struct {
	Version            int    `json:"v"`
	ChatID             int64  `json:"chat_id"`
	UserID             int64  `json:"user_id"`
	DisplayName        string `json:"display_name"`
	ChallengeMessageID int    `json:"challenge_message_id"`
	JoinedAt           int64  `json:"joined_at"`
	Notified           bool   `json:"notified"`
	ReminderMessageID  int    `json:"reminder_message_id,omitempty"`
	BanMessageID       int    `json:"ban_message_id,omitempty"`
}

// MessageIDs returns every chat message tied to the verification, for
// best-effort deletion after the record itself is gone.
func (p *PendingVerification) MessageIDs() []int {
	ids := make([]int, 0, 3)
	for _, id := range []int{p.ChallengeMessageID, p.ReminderMessageID, p.BanMessageID} {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids
}
