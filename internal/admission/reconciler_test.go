package admission

import (
	"context"
	"testing"
	"time"

	"warden-tg-bot/internal/store"
)

func TestLeaveWithPendingVerification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := Member{ID: 7, DisplayName: "Alice"}

	env.seedPending(t, -1, 7, "Alice", challengeID)
	env.svc.OnLeave(ctx, LeaveEvent{ChatID: -1, User: alice, Actor: alice})

	if env.pendingExists(t, -1, 7) {
		t.Fatal("ledger entry should be cleaned up")
	}
	if env.platform.deletedCount(challengeID) != 1 {
		t.Fatal("expected challenge message removed")
	}
	if env.platform.sentContaining("Goodbye") != 1 {
		t.Fatal("expected farewell for a voluntary leave")
	}
	if env.platform.banCount() != 0 {
		t.Fatal("no ban on a voluntary leave after the challenge was issued")
	}

	// A duplicate leave event finds nothing to clean and deletes nothing
	// twice.
	env.svc.OnLeave(ctx, LeaveEvent{ChatID: -1, User: alice, Actor: alice})
	if env.platform.deletedCount(challengeID) != 1 {
		t.Fatal("cleanup must be idempotent")
	}
}

func TestLeaveDuringCountdownBansWithoutLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := Member{ID: 7, DisplayName: "Alice"}

	if err := env.store.AddCountdown(ctx, -1, 7, time.Minute); err != nil {
		t.Fatalf("add countdown: %v", err)
	}

	env.svc.OnLeave(ctx, LeaveEvent{ChatID: -1, User: alice, Actor: alice})

	if env.platform.banCount() != 1 {
		t.Fatalf("expected countdown-leave ban, got %d", env.platform.banCount())
	}
	if in, _ := env.store.InCountdown(ctx, -1, 7); in {
		t.Fatal("countdown membership should be settled")
	}
	if env.platform.sentCount() != 0 {
		t.Fatalf("no farewell for a countdown leave, sent %v", env.platform.sent)
	}
	// The counter is primed: a second join-and-leave escalates.
	env.store.AddCountdown(ctx, -1, 7, time.Minute)
	env.svc.OnLeave(ctx, LeaveEvent{ChatID: -1, User: alice, Actor: alice})
	if env.platform.banCount() != 2 {
		t.Fatalf("expected second ban, got %d", env.platform.banCount())
	}
	if until := env.platform.bans[1].until; !until.Equal(env.now.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expected second-tier ban, until=%v", until)
	}
}

func TestLeaveBannedByAdminIsAnnounced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.svc.OnLeave(ctx, LeaveEvent{
		ChatID: -1,
		User:   Member{ID: 7, DisplayName: "Mallory"},
		Actor:  Member{ID: 99, DisplayName: "Mod"},
		Banned: true,
	})

	if len(env.lines.calls) != 1 {
		t.Fatalf("expected one announcement, got %d", len(env.lines.calls))
	}
	if env.lines.calls[0].actorIsBot {
		t.Fatal("admin bans are announced with a human actor")
	}
	if env.platform.sentContaining("Goodbye") != 0 {
		t.Fatal("no farewell for a ban")
	}
}

func TestLeaveBannedBySelfIsNotReannounced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The path that issued the ban already announced it; the resulting
	// leave event must stay silent.
	env.svc.OnLeave(ctx, LeaveEvent{
		ChatID: -1,
		User:   Member{ID: 7, DisplayName: "Mallory"},
		Actor:  Member{ID: testBotID, DisplayName: "Warden", IsBot: true},
		Banned: true,
	})

	if len(env.lines.calls) != 0 || env.platform.sentCount() != 0 {
		t.Fatal("expected no duplicate announcement")
	}
}

func TestBotRemovedFromChatPurgesState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedPending(t, -1, 7, "Alice", challengeID)
	if err := env.store.SetWelcome(ctx, -1, "hi FNAME"); err != nil {
		t.Fatalf("set welcome: %v", err)
	}

	env.svc.OnLeave(ctx, LeaveEvent{
		ChatID: -1,
		User:   Member{ID: testBotID, DisplayName: "Warden", IsBot: true},
		Actor:  Member{ID: 99, DisplayName: "Mod"},
		Banned: true,
	})

	if env.pendingExists(t, -1, 7) {
		t.Fatal("expected chat state purged")
	}
	if _, err := env.store.GetWelcome(ctx, -1); err != store.ErrNotFound {
		t.Fatal("expected welcome template purged")
	}
	if env.platform.sentCount() != 0 {
		t.Fatal("nothing to say in a chat we were removed from")
	}
}
