package admission

import (
	"fmt"
	"html"
	"math/rand"
	"strings"
	"time"
)

// challengeMarker appears in every challenge and bot-arrival notice, so
// the resolver can recognize an admin reply to a challenge whose ledger
// entry is already gone.
const challengeMarker = "Reply to this message"

// countdownTemplates are the playful join countdowns. {name} is an HTML
// link to the new member, {sec} the remaining seconds.
var countdownTemplates = []string{
	"Hang tight, {name}! Full immersion into the chat in {sec} seconds. 🚀",
	"Touchdown of {name} on our planet in {sec} seconds. Brace for landing! 👽",
	"Tick-tock... ⏰ {name}, you have {sec} seconds to come up with your first joke.",
	"Attention! Launching {name} into the chat in {sec} seconds. Fasten your seatbelts! 💥",
	"Hooray! 🥳 Our newest member {name} lands in {sec} seconds. Ready the confetti! 🎉",
	"Final countdown for {name}! {sec} seconds and... boom! 🎊 You're in!",
}

func pickCountdownTemplate() string {
	return countdownTemplates[rand.Intn(len(countdownTemplates))]
}

func renderCountdown(template string, userLink string, sec int) string {
	out := strings.ReplaceAll(template, "{name}", userLink)
	return strings.ReplaceAll(out, "{sec}", fmt.Sprintf("%d", sec))
}

// userLink renders a member mention that works without a username.
func UserLink(m Member) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, m.ID, html.EscapeString(m.DisplayName))
}

// messageLink builds a t.me deep link to a message in a private
// supergroup, whose chat ID carries a -100 prefix on the wire.
func messageLink(chatID int64, messageID int) string {
	id := fmt.Sprintf("%d", chatID)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}

func challengeText(userLink, subject string, banAfter time.Duration) string {
	return fmt.Sprintf(
		"👋 Hi, %s!\nA quick check before you can talk.\n\n"+
			"<b>%s</b> with a <u>picture of a %s</u>.\n"+
			"Until then you can't post 🤐\n"+
			"and in ⌛%s you'll be shown the door 👢💥.",
		userLink, challengeMarker, html.EscapeString(subject), formatDuration(banAfter),
	)
}

func botArrivalText(userLink string) string {
	return fmt.Sprintf(
		"🤖 A bot just walked in!\nIt goes by %s.\n\n"+
			"<b>%s</b> with <i>accept</i> or <i>ban</i>, admins.",
		userLink, challengeMarker,
	)
}

// ReminderText is the one nag a pending verification gets, with the
// remaining time and a deep link back to the challenge message.
func ReminderText(m Member, remaining time.Duration, chatID int64, challengeMessageID int) string {
	return fmt.Sprintf(
		"⏰ %s, don't forget the verification!\n%s left before the boot 👢💥.\n"+
			`Answer <a href="%s">the challenge</a>.`,
		UserLink(m), formatDuration(remaining), messageLink(chatID, challengeMessageID),
	)
}

func welcomeText(template, displayName string) string {
	name := html.EscapeString(displayName)
	if template == "" {
		return fmt.Sprintf("Everyone say hi to %s, our newest member! 👋", name)
	}
	return strings.ReplaceAll(template, "FNAME", name)
}

func fallbackKickLine(actor, target string) string {
	return fmt.Sprintf("👋 %s showed %s the door.", actor, target)
}

func farewellText(userLink string) string {
	return fmt.Sprintf("👋 Goodbye, %s", userLink)
}

const (
	retryWrongContent   = "Couldn't spot one there 😢 Try another picture."
	retryInconclusive   = "Couldn't make sense of that picture. Try another one."
	photoProcessFailure = "Couldn't process the photo. Please try again."
	replyToChallenge    = "Please reply to the challenge message with your picture."
	adminUsage          = "Only 'accept' or 'ban' work here."
	windowClosed        = "Too late, that one is already settled 😏"
)

// formatDuration renders a duration the way chat users read it.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dmin", h, m)
	}
	return fmt.Sprintf("%dmin", m)
}

// keyword matching for the admin override path, both languages the
// chats actually use.
func isAcceptKeyword(text string) bool {
	t := normalizeKeyword(text)
	return t == "accept" || t == "принят"
}

func isBanKeyword(text string) bool {
	t := normalizeKeyword(text)
	return t == "ban" || t == "бан"
}

func normalizeKeyword(text string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(text), "!"))
}
