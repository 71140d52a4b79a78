package session

import (
	"sync"
	"testing"
	"time"

	"github.com/n64arcade/multiplayer-coordinator/internal/v1/apierr"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:   "this-is-a-very-long-secret-key-for-testing-purposes",
		MaxSessions: 2,
		MaxChatLen:  MaxChatLen,
		ChatRing:    3,
		IdleEvict:   30 * time.Millisecond,
		ClosedGrace: 30 * time.Millisecond,
		HostGrace:   30 * time.Second,
	}
}

type fakeSink struct {
	clientID string

	mu     sync.Mutex
	frames []string
	closed bool
	code   int
}

func newFakeSink(clientID string) *fakeSink { return &fakeSink{clientID: clientID} }

func (f *fakeSink) ClientID() string { return f.clientID }

func (f *fakeSink) Deliver(frameType string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frameType)
}

func (f *fakeSink) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeSink) lastFrame() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return ""
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeSink) count(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ft := range f.frames {
		if ft == frameType {
			n++
		}
	}
	return n
}

func TestCreate_AssignsHostSlot(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	res, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	require.Len(t, res.Session.Members, 1)
	assert.Equal(t, SlotHost, res.Session.Members[0].Slot)
	assert.True(t, res.Session.Members[0].IsHost)
	assert.Equal(t, res.ClientID, res.Session.HostClientID)
}

func TestCreate_CapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	r := NewRegistry(cfg, nil)
	_, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	_, err = r.Create("bob", "", "", "", false)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindExhausted, apiErr.Kind)
}

func TestJoin_AssignsLowestSlot(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	j1, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, FirstGuest, j1.Slot)

	j2, err := r.Join(created.Code, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, FirstGuest+1, j2.Slot)

	require.NoError(t, r.Kick(created.Code, created.ClientID, j1.ClientID))

	j3, err := r.Join(created.Code, "dave", "")
	require.NoError(t, err)
	assert.Equal(t, FirstGuest, j3.Slot, "the freed lowest slot should be reused")
}

func TestJoin_RoomFull(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.Join(created.Code, "guest", "")
		require.NoError(t, err)
	}

	_, err = r.Join(created.Code, "one-too-many", "")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)
}

func TestJoin_UnknownCode(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, err := r.Join("ZZZZZZ", "bob", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrSessionNotFound)
}

func TestClose_OnlyHost(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	err = r.Close(created.Code, joined.ClientID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	require.NoError(t, r.Close(created.Code, created.ClientID))

	_, err = r.Lookup(created.Code)
	assert.NoError(t, err, "session should still be visible during the close grace period")
}

func TestClose_EvictsAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.ClosedGrace = 10 * time.Millisecond
	r := NewRegistry(cfg, nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	require.NoError(t, r.Close(created.Code, created.ClientID))

	assert.Eventually(t, func() bool {
		_, err := r.Lookup(created.Code)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestKick_CannotTargetHost(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	err = r.Kick(created.Code, created.ClientID, created.ClientID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrForbidden)
}

func TestKick_ClosesTargetSocket(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	sink := newFakeSink(joined.ClientID)
	_, err = r.Attach(created.Code, joined.ClientID, sink)
	require.NoError(t, err)

	require.NoError(t, r.Kick(created.Code, created.ClientID, joined.ClientID))

	assert.True(t, sink.closed)
	assert.Equal(t, 4403, sink.code)
}

func TestAttach_SupersedesPreviousSocket(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	first := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, first)
	require.NoError(t, err)

	second := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, second)
	require.NoError(t, err)

	assert.True(t, first.closed)
	assert.Equal(t, 4409, first.code)
	assert.False(t, second.closed)
}

func TestAttach_UnknownMember(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	_, err = r.Attach(created.Code, "not-a-real-client-id", newFakeSink("not-a-real-client-id"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrMemberNotFound)
}

func TestDetach_ArmsIdleEvictionWhenNobodyConnected(t *testing.T) {
	cfg := testConfig()
	cfg.IdleEvict = 10 * time.Millisecond
	r := NewRegistry(cfg, nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	sink := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, sink)
	require.NoError(t, err)

	r.Detach(created.Code, created.ClientID)

	assert.Eventually(t, func() bool {
		_, err := r.Lookup(created.Code)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestChat_RejectsOverlongMessage(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	over := make([]byte, MaxChatLen+1)
	err = r.Chat(created.Code, created.ClientID, string(over))
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestChat_TrimsWhitespaceBeforeLengthCheck(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	padded := "  hello  "
	require.NoError(t, r.Chat(created.Code, created.ClientID, padded))

	s, err := r.Lookup(created.Code)
	require.NoError(t, err)
	require.Len(t, s.Chat, 1)
	assert.Equal(t, "hello", s.Chat[0].Message)
}

func TestChat_RejectsBlankMessage(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	err = r.Chat(created.Code, created.ClientID, "   ")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestCreate_NormalizesName(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("  alice   wonderland  ", "", "", "", false)
	require.NoError(t, err)

	s, err := r.Lookup(created.Code)
	require.NoError(t, err)
	require.Len(t, s.Members, 1)
	assert.Equal(t, "alice wonderland", s.Members[0].Name)
}

func TestCreate_RejectsOverlongName(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	over := make([]byte, MaxNameLen+1)
	for i := range over {
		over[i] = 'a'
	}
	_, err := r.Create(string(over), "", "", "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestCreate_RejectsBlankName(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, err := r.Create("   ", "", "", "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestCreate_RejectsBadAvatarScheme(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, err := r.Create("alice", "javascript:alert(1)", "", "", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestCreate_AcceptsDataImageAvatar(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_, err := r.Create("alice", "data:image/png;base64,aGVsbG8=", "", "", false)
	require.NoError(t, err)
}

func TestJoin_RejectsBadAvatarScheme(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	_, err = r.Join(created.Code, "bob", "file:///etc/passwd")
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrValidation)
}

func TestChat_RingEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.ChatRing = 2
	r := NewRegistry(cfg, nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	require.NoError(t, r.Chat(created.Code, created.ClientID, "one"))
	require.NoError(t, r.Chat(created.Code, created.ClientID, "two"))
	require.NoError(t, r.Chat(created.Code, created.ClientID, "three"))

	s, err := r.Lookup(created.Code)
	require.NoError(t, err)
	require.Len(t, s.Chat, 2)
	assert.Equal(t, "two", s.Chat[0].Message)
	assert.Equal(t, "three", s.Chat[1].Message)
}

func TestSetHostRom_IgnoresNonHost(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	r.SetHostRom(created.Code, joined.ClientID, "rom-x", "Rom X")

	s, err := r.Lookup(created.Code)
	require.NoError(t, err)
	assert.Empty(t, s.RomID)

	r.SetHostRom(created.Code, created.ClientID, "rom-x", "Rom X")
	s, err = r.Lookup(created.Code)
	require.NoError(t, err)
	assert.Equal(t, "rom-x", s.RomID)
}

func TestInputFrame_RelaysToHostOnly(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	hostSink := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, hostSink)
	require.NoError(t, err)
	guestSink := newFakeSink(joined.ClientID)
	_, err = r.Attach(created.Code, joined.ClientID, guestSink)
	require.NoError(t, err)

	pressed := true
	r.InputFrame(created.Code, joined.ClientID, InputPayload{Kind: "digital", Control: "a", Pressed: &pressed})

	assert.Equal(t, 1, hostSink.count(TypeRemoteInput))
	assert.Equal(t, 0, guestSink.count(TypeRemoteInput))
}

func TestInputFrame_HostCannotTargetItself(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)

	hostSink := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, hostSink)
	require.NoError(t, err)

	pressed := true
	r.InputFrame(created.Code, created.ClientID, InputPayload{Kind: "digital", Control: "a", Pressed: &pressed})

	assert.Equal(t, 0, hostSink.count(TypeRemoteInput))
}

func TestSignal_RelaysToTarget(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	hostSink := newFakeSink(created.ClientID)
	_, err = r.Attach(created.Code, created.ClientID, hostSink)
	require.NoError(t, err)
	guestSink := newFakeSink(joined.ClientID)
	_, err = r.Attach(created.Code, joined.ClientID, guestSink)
	require.NoError(t, err)

	r.Signal(created.Code, joined.ClientID, created.ClientID, []byte(`{"sdp":"offer"}`))

	assert.Equal(t, TypeWebrtcSignal, hostSink.lastFrame())
	assert.Equal(t, 0, guestSink.count(TypeWebrtcSignal))
}

func TestSignal_DroppedWhenTargetNotAttached(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	created, err := r.Create("alice", "", "", "", false)
	require.NoError(t, err)
	joined, err := r.Join(created.Code, "bob", "")
	require.NoError(t, err)

	r.Signal(created.Code, joined.ClientID, created.ClientID, []byte(`{}`))
}
