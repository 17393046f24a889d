package ws

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/chathub/internal/auth"
	"github.com/hitoshi/chathub/internal/broker"
	"github.com/hitoshi/chathub/internal/model"
	"github.com/hitoshi/chathub/internal/presence"
	"github.com/hitoshi/chathub/internal/room"
)

// --- mockAuth ---

type mockAuth struct {
	authenticateFn func(ctx context.Context, creds auth.Credentials, requestedUsername string) (*auth.Principal, error)
}

func (m *mockAuth) Authenticate(ctx context.Context, creds auth.Credentials, requestedUsername string) (*auth.Principal, error) {
	return m.authenticateFn(ctx, creds, requestedUsername)
}

// tokenAuth はアクセストークン "tok-<username>" を対応するユーザーとして認証する。
func tokenAuth(users map[string]*model.User) *mockAuth {
	return &mockAuth{
		authenticateFn: func(ctx context.Context, creds auth.Credentials, requestedUsername string) (*auth.Principal, error) {
			if creds.Access == "" && creds.Refresh == "" {
				return nil, model.NewMissingCredentialsError()
			}
			u, ok := users[strings.TrimPrefix(creds.Access, "tok-")]
			if !ok {
				return nil, fmt.Errorf("verify token: %w", model.NewUnauthorizedError())
			}
			return &auth.Principal{
				User:   u,
				Tokens: auth.TokenPair{Access: creds.Access, Refresh: creds.Refresh},
			}, nil
		},
	}
}

// --- fakeSessions ---

type fakeSessions struct {
	mu      sync.Mutex
	opened  []string
	closed  []string
	chats   map[string][]model.ChatSummary
	openErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{chats: make(map[string][]model.ChatSummary)}
}

func (f *fakeSessions) OpenSession(ctx context.Context, user *model.User, sub broker.Subscriber) (*presence.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened = append(f.opened, user.Username)
	return &presence.Session{User: user, OpenedAt: time.Now()}, nil
}

func (f *fakeSessions) CloseSession(ctx context.Context, s *presence.Session) {
	if s == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, s.User.Username)
}

func (f *fakeSessions) GetChats(ctx context.Context, user *model.User) ([]model.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[user.ID], nil
}

func (f *fakeSessions) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened), len(f.closed)
}

// --- fakeRooms ---

type fakeRooms struct {
	mu       sync.Mutex
	users    map[string]*model.User // username -> user
	rooms    map[string]*model.Room
	members  map[string]map[string]bool
	messages map[string][]model.Message
	now      func() time.Time
	panicOn  string // "search" または "append" の呼び出しでpanicする
}

func newFakeRooms(users ...*model.User) *fakeRooms {
	f := &fakeRooms{
		users:    make(map[string]*model.User),
		rooms:    make(map[string]*model.Room),
		members:  make(map[string]map[string]bool),
		messages: make(map[string][]model.Message),
		now:      time.Now,
	}
	for _, u := range users {
		f.users[u.Username] = u
	}
	return f
}

func (f *fakeRooms) FindOrCreateRoom(ctx context.Context, requester *model.User, otherHandle string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	other, ok := f.users[otherHandle]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", otherHandle, model.ErrNotFound)
	}
	key := model.PairKey(requester.ID, other.ID)
	for _, r := range f.rooms {
		if r.PairKey == key {
			return r, nil
		}
	}
	r := &model.Room{ID: uuid.New().String(), PairKey: key, Description: requester.Username + ", " + other.Username}
	f.rooms[r.ID] = r
	f.members[r.ID] = map[string]bool{requester.ID: true, other.ID: true}
	return r, nil
}

func (f *fakeRooms) ResolveRoom(ctx context.Context, user *model.User, ref string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rooms[ref]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", ref, model.ErrNotFound)
	}
	if !f.members[r.ID][user.ID] {
		return nil, fmt.Errorf("room %q: %w", ref, model.ErrForbidden)
	}
	return r, nil
}

func (f *fakeRooms) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Message, len(f.messages[roomID]))
	copy(out, f.messages[roomID])
	return out, nil
}

func (f *fakeRooms) AppendMessage(ctx context.Context, in room.AppendInput) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "append" {
		panic("append exploded")
	}

	content := in.Content
	if strings.TrimSpace(content) == "" {
		content = ""
	}
	msg := model.Message{
		ID:             uuid.New().String(),
		RoomID:         in.RoomID,
		SenderID:       in.Sender.ID,
		SenderUsername: in.Sender.Username,
		Content:        content,
		Attachment:     strings.TrimSpace(in.Attachment),
		CreatedAt:      f.now(),
	}
	if !msg.HasBody() {
		return nil, model.ErrEmptyMessage
	}
	f.messages[in.RoomID] = append(f.messages[in.RoomID], msg)
	return &msg, nil
}

func (f *fakeRooms) SearchIdentities(ctx context.Context, query string) ([]model.UserRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "search" {
		panic("search exploded")
	}

	out := []model.UserRef{}
	if query == "" {
		return out, nil
	}
	for _, u := range f.users {
		if strings.Contains(strings.ToLower(u.Username), strings.ToLower(query)) {
			out = append(out, model.UserRef{ID: u.ID, Username: u.Username})
		}
	}
	return out, nil
}

// addRoom はメンバー付きのルームを追加する。
func (f *fakeRooms) addRoom(members ...*model.User) *model.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &model.Room{ID: uuid.New().String()}
	f.rooms[r.ID] = r
	f.members[r.ID] = make(map[string]bool)
	for _, m := range members {
		f.members[r.ID][m.ID] = true
	}
	return r
}

func (f *fakeRooms) messageCount(roomID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages[roomID])
}

// --- recordingRecorder ---

type recordingRecorder struct {
	mu         sync.Mutex
	handshakes []string
	open       map[string]int
	persisted  int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{open: make(map[string]int)}
}

func (r *recordingRecorder) ConnectionOpened(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[kind]++
}

func (r *recordingRecorder) ConnectionClosed(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[kind]--
}

func (r *recordingRecorder) RecordHandshake(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, outcome)
}

func (r *recordingRecorder) RecordMessagePersisted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted++
}

func (r *recordingRecorder) snapshot() (handshakes []string, open map[string]int, persisted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	open = make(map[string]int, len(r.open))
	for k, v := range r.open {
		open[k] = v
	}
	return append([]string(nil), r.handshakes...), open, r.persisted
}
