package admission

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"warden-tg-bot/internal/config"
	"warden-tg-bot/internal/gemini"
	"warden-tg-bot/internal/store"
)

const testBotID int64 = 999

type sentMessage struct {
	chatID int64
	id     int
	text   string
}

type memberRef struct {
	chatID int64
	userID int64
}

type banRecord struct {
	chatID int64
	userID int64
	until  time.Time
}

// fakePlatform records every platform call and lets tests script
// failures per operation.
type fakePlatform struct {
	mu sync.Mutex

	admins map[int64][]int64
	files  map[string][]byte

	sendErr     error
	editErr     error
	banErr      error
	downloadErr error

	nextID     int
	sent       []sentMessage
	edits      []sentMessage
	deleted    []sentMessage
	restricted []memberRef
	unmuted    []memberRef
	bans       []banRecord
	adminCalls int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		admins: make(map[int64][]int64),
		files:  make(map[string][]byte),
		nextID: 100,
	}
}

func (f *fakePlatform) BotID() int64    { return testBotID }
func (f *fakePlatform) BotName() string { return "Warden" }

func (f *fakePlatform) SendMessage(chatID int64, text string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{chatID, f.nextID, text})
	return f.nextID, nil
}

func (f *fakePlatform) ReplyMessage(chatID int64, replyTo int, text string) (int, error) {
	return f.SendMessage(chatID, text)
}

func (f *fakePlatform) EditMessage(chatID int64, messageID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, sentMessage{chatID, messageID, text})
	return nil
}

func (f *fakePlatform) DeleteMessage(chatID int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, sentMessage{chatID: chatID, id: messageID})
	return nil
}

func (f *fakePlatform) RestrictToPhotos(chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restricted = append(f.restricted, memberRef{chatID, userID})
	return nil
}

func (f *fakePlatform) LiftRestrictions(chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmuted = append(f.unmuted, memberRef{chatID, userID})
	return nil
}

func (f *fakePlatform) BanUntil(chatID, userID int64, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banErr != nil {
		return f.banErr
	}
	f.bans = append(f.bans, banRecord{chatID, userID, until})
	return nil
}

func (f *fakePlatform) ChatAdmins(chatID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminCalls++
	return f.admins[chatID], nil
}

func (f *fakePlatform) MemberStatus(chatID, userID int64) (string, error) {
	return "member", nil
}

func (f *fakePlatform) DownloadFile(fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.files[fileID], nil
}

func (f *fakePlatform) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// sentContaining counts sent messages whose text contains substr.
func (f *fakePlatform) sentContaining(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if strings.Contains(m.text, substr) {
			n++
		}
	}
	return n
}

func (f *fakePlatform) deletedCount(messageID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.deleted {
		if m.id == messageID {
			n++
		}
	}
	return n
}

func (f *fakePlatform) banCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bans)
}

type fakeEvaluator struct {
	mu      sync.Mutex
	verdict gemini.Verdict
	err     error
	calls   int
}

func (f *fakeEvaluator) EvaluateImage(ctx context.Context, image []byte, subject string) (gemini.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.verdict, f.err
}

type lineCall struct {
	actor, target string
	actorIsBot    bool
}

type fakeLines struct {
	mu    sync.Mutex
	line  string
	err   error
	calls []lineCall
}

func (f *fakeLines) KickLine(ctx context.Context, actor, target string, actorIsBot bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lineCall{actor, target, actorIsBot})
	return f.line, f.err
}

type testEnv struct {
	svc      *Service
	platform *fakePlatform
	eval     *fakeEvaluator
	lines    *fakeLines
	store    *store.Store
	mr       *miniredis.Miniredis
	now      time.Time
}

func testAdmissionConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		NotifyAfter:       10 * time.Minute,
		BanAfter:          time.Hour,
		CountdownTicks:    3,
		CountdownTTL:      60 * time.Second,
		SweepInterval:     time.Minute,
		ForgivenessWindow: 366 * 24 * time.Hour,
		CleanupDelay:      10 * time.Minute,
		ChallengeSubject:  "bicycle",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb)

	platform := newFakePlatform()
	eval := &fakeEvaluator{}
	lines := &fakeLines{line: "the trash took itself out"}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	janitor := NewJanitor(platform, logger)
	t.Cleanup(janitor.Close)

	svc := NewService(st, platform, eval, lines, janitor, testAdmissionConfig(), logger)
	now := time.Unix(1700000000, 0)
	svc.clock = func() time.Time { return now }
	svc.tick = time.Millisecond

	return &testEnv{svc: svc, platform: platform, eval: eval, lines: lines, store: st, mr: mr, now: now}
}

func (e *testEnv) seedPending(t *testing.T, chatID, userID int64, name string, challengeID int) {
	t.Helper()
	p := &store.PendingVerification{
		ChatID:             chatID,
		UserID:             userID,
		DisplayName:        name,
		ChallengeMessageID: challengeID,
		JoinedAt:           e.now.Unix(),
	}
	if err := e.store.PutPending(context.Background(), p); err != nil {
		t.Fatalf("seed pending: %v", err)
	}
}

func (e *testEnv) pendingExists(t *testing.T, chatID, userID int64) bool {
	t.Helper()
	_, err := e.store.GetPending(context.Background(), chatID, userID)
	if err == store.ErrNotFound {
		return false
	}
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	return true
}
