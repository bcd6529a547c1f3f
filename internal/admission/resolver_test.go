package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden-tg-bot/internal/gemini"
)

const challengeID = 40

func photoAnswer(from Member) IncomingMessage {
	return IncomingMessage{
		ChatID:           -1,
		MessageID:        55,
		From:             from,
		PhotoFileID:      "photo1",
		ReplyToMessageID: challengeID,
		ReplyToBot:       true,
	}
}

func TestChallengePassAdmitsMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := Member{ID: 7, DisplayName: "Alice"}

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.files["photo1"] = []byte("jpeg")
	env.eval.verdict = gemini.VerdictPass

	if !env.svc.OnMessage(ctx, photoAnswer(alice)) {
		t.Fatal("expected message consumed")
	}

	if env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry should be resolved")
	}
	if len(env.platform.unmuted) != 1 || env.platform.unmuted[0] != (memberRef{-1, 7}) {
		t.Fatalf("expected member unmuted, got %v", env.platform.unmuted)
	}
	if env.platform.sentContaining("Alice") != 1 {
		t.Fatal("expected a welcome message")
	}
	if env.platform.deletedCount(challengeID) != 1 {
		t.Fatal("expected challenge message cleaned up")
	}
	if env.platform.banCount() != 0 {
		t.Fatal("no ban expected on a pass")
	}
}

func TestChallengePassUsesCustomWelcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.files["photo1"] = []byte("jpeg")
	env.eval.verdict = gemini.VerdictPass
	if err := env.svc.SetWelcome(ctx, -1, "Welcome aboard, FNAME! 🎉"); err != nil {
		t.Fatalf("set welcome: %v", err)
	}

	env.svc.OnMessage(ctx, photoAnswer(Member{ID: 7, DisplayName: "Alice"}))

	if env.platform.sentContaining("Welcome aboard, Alice! 🎉") != 1 {
		t.Fatalf("expected templated welcome, sent %v", env.platform.sent)
	}
}

func TestChallengeFailLetsUserRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.files["photo1"] = []byte("jpeg")
	env.eval.verdict = gemini.VerdictFail

	env.svc.OnMessage(ctx, photoAnswer(Member{ID: 7, DisplayName: "Alice"}))

	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive a failed attempt")
	}
	if env.platform.deletedCount(55) != 1 {
		t.Fatal("expected rejected photo removed")
	}
	if env.platform.sentContaining(retryWrongContent) != 1 {
		t.Fatal("expected retry hint")
	}
	if env.platform.banCount() != 0 {
		t.Fatal("no ban on a wrong answer")
	}
}

func TestEvaluatorFailureDegradesToRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.files["photo1"] = []byte("jpeg")
	env.eval.verdict = gemini.VerdictInconclusive
	env.eval.err = errors.New("model overloaded")

	env.svc.OnMessage(ctx, photoAnswer(Member{ID: 7, DisplayName: "Alice"}))

	// Provider trouble is never the user's fault: no ban, record stays.
	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive evaluator failure")
	}
	if env.platform.sentContaining(retryInconclusive) != 1 {
		t.Fatal("expected inconclusive retry hint")
	}
}

func TestForwardedPhotoIsEvasion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	m := photoAnswer(Member{ID: 7, DisplayName: "Alice"})
	m.Forwarded = true

	env.svc.OnMessage(ctx, m)

	if env.eval.calls != 0 {
		t.Fatal("a forwarded photo must not reach the evaluator")
	}
	if env.platform.banCount() != 1 {
		t.Fatalf("expected evasion ban, got %d", env.platform.banCount())
	}
	if env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry should be claimed")
	}
	if env.platform.deletedCount(55) != 1 || env.platform.deletedCount(challengeID) != 1 {
		t.Fatal("expected photo and challenge messages removed")
	}
	if env.platform.sentContaining(env.lines.line) != 1 {
		t.Fatal("expected ban announcement")
	}
	if len(env.lines.calls) != 1 || !env.lines.calls[0].actorIsBot {
		t.Fatalf("expected bot-actor announcement, got %v", env.lines.calls)
	}
}

func TestPendingUserChatterIsRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	m := IncomingMessage{ChatID: -1, MessageID: 60, From: Member{ID: 7, DisplayName: "Alice"}, Text: "hello folks"}

	if !env.svc.OnMessage(ctx, m) {
		t.Fatal("expected message consumed")
	}
	if env.platform.deletedCount(60) != 1 {
		t.Fatal("expected chatter removed")
	}
	if env.platform.sentContaining(replyToChallenge) != 1 {
		t.Fatal("expected nag reply")
	}
	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive")
	}
}

func TestDownloadFailureAsksForRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.downloadErr = errors.New("file expired")

	env.svc.OnMessage(ctx, photoAnswer(Member{ID: 7, DisplayName: "Alice"}))

	if env.platform.sentContaining(photoProcessFailure) != 1 {
		t.Fatal("expected processing-failure reply")
	}
	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive")
	}
	if env.eval.calls != 0 {
		t.Fatal("evaluator must not run without the image")
	}
}

func adminReply(text string) IncomingMessage {
	return IncomingMessage{
		ChatID:           -1,
		MessageID:        70,
		From:             Member{ID: 99, DisplayName: "Mod"},
		Text:             text,
		ReplyToMessageID: challengeID,
		ReplyToBot:       true,
		ReplyToText:      challengeText("link", "bicycle", time.Hour),
	}
}

func TestAdminAcceptKeyword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.admins[-1] = []int64{99}

	if !env.svc.OnMessage(ctx, adminReply("принят")) {
		t.Fatal("expected override consumed")
	}
	if env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry should be resolved")
	}
	if len(env.platform.unmuted) != 1 || env.platform.unmuted[0] != (memberRef{-1, 7}) {
		t.Fatalf("expected target unmuted, got %v", env.platform.unmuted)
	}
	if env.platform.sentContaining("Alice") != 1 {
		t.Fatal("expected welcome for the accepted member")
	}
}

func TestAdminBanKeyword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.admins[-1] = []int64{99}

	if !env.svc.OnMessage(ctx, adminReply("ban!")) {
		t.Fatal("expected override consumed")
	}
	if env.platform.banCount() != 1 || env.platform.bans[0].userID != 7 {
		t.Fatalf("expected target banned, got %v", env.platform.bans)
	}
	if env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry should be claimed")
	}
	// The admin's command message comes down with the rest.
	if env.platform.deletedCount(70) != 1 {
		t.Fatal("expected admin command removed")
	}
	if env.platform.deletedCount(challengeID) != 1 {
		t.Fatal("expected challenge message removed")
	}
	if len(env.lines.calls) != 1 || env.lines.calls[0].actorIsBot {
		t.Fatalf("expected human-actor announcement, got %v", env.lines.calls)
	}
}

func TestAdminUnknownKeywordGetsUsageHint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.admins[-1] = []int64{99}

	if !env.svc.OnMessage(ctx, adminReply("kick him")) {
		t.Fatal("expected override consumed")
	}
	if env.platform.sentContaining(adminUsage) != 1 {
		t.Fatal("expected usage hint")
	}
	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive an unknown keyword")
	}
}

func TestAdminReplyAfterWindowClosed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.platform.admins[-1] = []int64{99}

	// No outstanding verification matches the replied-to challenge.
	if !env.svc.OnMessage(ctx, adminReply("accept")) {
		t.Fatal("expected override consumed")
	}
	if env.platform.sentContaining(windowClosed) != 1 {
		t.Fatal("expected closed-window notice")
	}
	if len(env.platform.unmuted) != 0 || env.platform.banCount() != 0 {
		t.Fatal("no action expected on a settled verification")
	}
}

func TestNonAdminReplyIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.platform.admins[-1] = []int64{99}

	m := adminReply("ban")
	m.From = Member{ID: 50, DisplayName: "Rando"}

	if env.svc.OnMessage(ctx, m) {
		t.Fatal("a non-admin reply is not an override")
	}
	if env.platform.banCount() != 0 {
		t.Fatal("no ban expected")
	}
	if !env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry must survive")
	}
}

func TestAdminCacheAvoidsRepeatLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.platform.admins[-1] = []int64{99}

	for i := 0; i < 3; i++ {
		ok, err := env.svc.IsChatAdmin(ctx, -1, 99)
		if err != nil || !ok {
			t.Fatalf("admin check %d: ok=%v err=%v", i, ok, err)
		}
	}
	if env.platform.adminCalls != 1 {
		t.Fatalf("expected one platform lookup, got %d", env.platform.adminCalls)
	}

	// Cache entries decay so admin changes are picked up.
	env.mr.FastForward(adminCacheTTL + time.Minute)
	if _, err := env.svc.IsChatAdmin(ctx, -1, 99); err != nil {
		t.Fatalf("admin check after expiry: %v", err)
	}
	if env.platform.adminCalls != 2 {
		t.Fatalf("expected refill after TTL, got %d lookups", env.platform.adminCalls)
	}
}
