package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/apierr"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/auth"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/bus"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/config"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/invite"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/logging"
	"github.com/n64arcade/multiplayer-coordinator/internal/v1/metrics"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// Sink is how the state machine hands an outbound frame to an attached
// socket without ever blocking on network I/O itself -- the concrete
// implementation (internal/v1/transport) owns its own send queue and
// backpressure policy.
type Sink interface {
	ClientID() string
	Deliver(frameType string, payload any)
	Close(code int, reason string)
}

// entry is the registry's internal handle for one live session: the
// exported Session snapshot fields plus everything needed to serialize
// mutations and fan events out to attached sockets.
type entry struct {
	mu sync.Mutex

	Session

	reg        *Registry
	members    map[string]*Member // clientId -> member, includes detached
	sinks      map[string]Sink    // clientId -> attached sink
	nextChatID int64

	idleTimer  *time.Timer
	closeTimer *time.Timer

	busCancel context.CancelFunc
}

// Registry is the single source of truth for session existence. Eviction
// is authoritative: once a session is gone from the registry, lookups
// for its code return notFound.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	cfg   *config.Config
	bus   *bus.Service
	podID string
	wg    sync.WaitGroup
}

// NewRegistry constructs an empty Registry bound to cfg's session
// lifecycle knobs and, optionally, a cross-pod bus. When busSvc is
// non-nil, every session's events are mirrored to Redis so a member
// attached to a different replica still sees room_state/chat/signal
// traffic originated on this one.
func NewRegistry(cfg *config.Config, busSvc *bus.Service) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		cfg:      cfg,
		bus:      busSvc,
		podID:    uuid.NewString(),
	}
}

// publishAsync mirrors a locally-originated event to other replicas via
// the bus. It never blocks the caller: Redis is best-effort traffic,
// never the source of truth for session state.
func (r *Registry) publishAsync(code, event string, payload any, dests []string) {
	if r.bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.bus.Publish(ctx, code, event, payload, r.podID, dests); err != nil {
			logging.Warn(nil, "bus publish failed", zap.String("session_code", code), zap.Error(err))
		}
	}()
}

// hostSetKey is the cross-pod Redis set a session's host pod registers
// itself in, so any pod can detect a host attached on more than one
// replica at once.
func hostSetKey(code string) string {
	return "multiplayer:hosts:" + code
}

// trackHostAttach records this pod in code's cross-pod host set and
// flags split-brain hosting (the same host attached on more than one
// pod simultaneously) via a metric and a log line. It never blocks the
// caller: the Redis round trip runs on its own goroutine.
func (r *Registry) trackHostAttach(code string) {
	if r.bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		key := hostSetKey(code)
		if err := r.bus.SetAdd(ctx, key, r.podID); err != nil {
			logging.Warn(nil, "host set add failed", zap.String("session_code", code), zap.Error(err))
			return
		}
		members, err := r.bus.SetMembers(ctx, key)
		if err != nil {
			logging.Warn(nil, "host set members failed", zap.String("session_code", code), zap.Error(err))
			return
		}
		if len(members) > 1 {
			metrics.SplitBrainHostsDetected.WithLabelValues(code).Inc()
			logging.Warn(nil, "host attached on more than one pod",
				zap.String("session_code", code), zap.Strings("pods", members))
		}
	}()
}

// trackHostDetach removes this pod from code's cross-pod host set.
func (r *Registry) trackHostDetach(code string) {
	if r.bus == nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.bus.SetRem(ctx, hostSetKey(code), r.podID); err != nil {
			logging.Warn(nil, "host set rem failed", zap.String("session_code", code), zap.Error(err))
		}
	}()
}

// subscribeBus starts relaying events other replicas publish for code
// into this replica's locally-attached sinks. Create calls it once per
// entry, while still holding r.mu; a second call for the same entry
// would start a second subscription.
func (r *Registry) subscribeBus(e *entry) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.busCancel = cancel
	code := e.Code
	r.bus.Subscribe(ctx, code, &r.wg, func(msg bus.PubSubPayload) {
		if msg.SenderID == r.podID {
			return
		}
		r.mu.RLock()
		target, ok := r.sessions[code]
		r.mu.RUnlock()
		if !ok {
			return
		}
		target.mu.Lock()
		defer target.mu.Unlock()
		dests := set.New(msg.Dests...)
		for clientID, sink := range target.sinks {
			if _, ok := dests[clientID]; len(msg.Dests) > 0 && !ok {
				continue
			}
			sink.Deliver(msg.Event, json.RawMessage(msg.Payload))
		}
	})
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CreateResult is returned by Create.
type CreateResult struct {
	Code     string
	ClientID string
	Session  Session
}

// Create allocates a new session hosted by a member named hostName,
// drawing a fresh invite code from the allocator.
func (r *Registry) Create(hostName, avatarURL, romID, romTitle string, voiceEnabled bool) (*CreateResult, error) {
	hostName, err := normalizeName(hostName)
	if err != nil {
		return nil, err
	}
	if err := validateAvatarURL(avatarURL); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, apierr.ErrCapacityExhausted
	}

	code, err := invite.Generate(func(c string) bool {
		_, ok := r.sessions[c]
		return ok
	})
	if err != nil {
		r.mu.Unlock()
		return nil, apierr.Wrap(apierr.KindExhausted, "capacity_exhausted", err)
	}

	clientID, err := auth.MintClientToken(r.cfg.JWTSecret, code)
	if err != nil {
		r.mu.Unlock()
		return nil, apierr.Wrap(apierr.KindInternal, "failed to mint client token", err)
	}

	now := Now()
	host := &Member{
		ClientID:  clientID,
		Slot:      SlotHost,
		Name:      hostName,
		AvatarURL: avatarURL,
		IsHost:    true,
		Connected: false,
		JoinedAt:  now,
	}

	e := &entry{
		reg: r,
		Session: Session{
			Code:         code,
			CreatedAt:    now,
			HostClientID: clientID,
			RomID:        romID,
			RomTitle:     romTitle,
			VoiceEnabled: voiceEnabled,
		},
		members: map[string]*Member{clientID: host},
		sinks:   make(map[string]Sink),
	}

	snapshot := e.snapshotLocked()
	r.sessions[code] = e
	r.subscribeBus(e)
	r.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.MembersCount.WithLabelValues(code).Set(1)
	logging.Info(nil, "session created", zap.String("session_code", code))

	return &CreateResult{Code: code, ClientID: clientID, Session: snapshot}, nil
}

// Lookup returns a snapshot of the session named by code, or notFound.
// The snapshot is a copy taken under the session's own lock, so readers
// never observe a partial mutation.
func (r *Registry) Lookup(code string) (Session, error) {
	e, err := r.find(code)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

func (r *Registry) find(code string) (*entry, error) {
	code = invite.Canonicalize(code)
	r.mu.RLock()
	e, ok := r.sessions[code]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.ErrSessionNotFound
	}
	return e, nil
}

// JoinResult is returned by Join.
type JoinResult struct {
	ClientID string
	Slot     int
	Session  Session
}

// Join assigns the lowest unused guest slot to a new member.
func (r *Registry) Join(code, name, avatarURL string) (*JoinResult, error) {
	name, err := normalizeName(name)
	if err != nil {
		return nil, err
	}
	if err := validateAvatarURL(avatarURL); err != nil {
		return nil, err
	}

	e, err := r.find(code)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed {
		return nil, apierr.ErrSessionClosed
	}

	slot, err := e.nextFreeSlotLocked()
	if err != nil {
		return nil, err
	}

	clientID, err := auth.MintClientToken(r.cfg.JWTSecret, e.Code)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "failed to mint client token", err)
	}

	member := &Member{
		ClientID:  clientID,
		Slot:      slot,
		Name:      name,
		AvatarURL: avatarURL,
		IsHost:    false,
		Connected: false,
		JoinedAt:  Now(),
	}
	e.members[clientID] = member

	metrics.MembersCount.WithLabelValues(e.Code).Set(float64(len(e.members)))
	e.broadcastRoomStateLocked()

	return &JoinResult{ClientID: clientID, Slot: slot, Session: e.snapshotLocked()}, nil
}

func (e *entry) nextFreeSlotLocked() (int, error) {
	used := make(map[int]bool, len(e.members))
	for _, m := range e.members {
		used[m.Slot] = true
	}
	for slot := FirstGuest; slot <= LastGuest; slot++ {
		if !used[slot] {
			return slot, nil
		}
	}
	return 0, apierr.ErrRoomFull
}

// Close ends a session: only the host may close it. All attached
// sockets receive session_closed and are closed with 4000; the session
// is evicted after its closed-grace period.
func (r *Registry) Close(code, actorClientID string) error {
	e, err := r.find(code)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.Closed {
		e.mu.Unlock()
		return nil
	}
	if actorClientID != e.HostClientID {
		e.mu.Unlock()
		return apierr.ErrForbidden
	}

	e.Closed = true
	e.broadcastSessionClosedLocked("host closed the session", 4000, nil)
	e.mu.Unlock()

	metrics.SessionsActive.Dec()
	r.scheduleEviction(e.Code, r.cfg.ClosedGrace)
	return nil
}

// Kick removes a member from a session: only the host may kick, and
// never itself.
func (r *Registry) Kick(code, actorClientID, targetClientID string) error {
	e, err := r.find(code)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed {
		return apierr.ErrSessionClosed
	}
	if actorClientID != e.HostClientID {
		return apierr.ErrForbidden
	}
	if targetClientID == e.HostClientID {
		return apierr.ErrForbidden
	}
	target, ok := e.members[targetClientID]
	if !ok {
		return apierr.ErrMemberNotFound
	}

	if sink, attached := e.sinks[targetClientID]; attached {
		sink.Deliver(TypeSessionClosed, SessionClosedPayload{Reason: "kicked"})
		sink.Close(4403, "kicked")
		delete(e.sinks, targetClientID)
	}
	delete(e.members, target.ClientID)

	metrics.MembersCount.WithLabelValues(e.Code).Set(float64(len(e.members)))
	e.broadcastRoomStateLocked()
	e.maybeArmIdleTimerLocked()

	return nil
}

// Attach wires a live socket into a session. The caller has already
// verified clientID belongs to this session. A previous sink for the
// same clientID, if any, is superseded.
func (r *Registry) Attach(code, clientID string, sink Sink) (Session, error) {
	e, err := r.find(code)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.members[clientID]
	if !ok {
		return Session{}, apierr.ErrMemberNotFound
	}
	if e.Closed {
		return Session{}, apierr.ErrSessionClosed
	}

	if prev, attached := e.sinks[clientID]; attached {
		prev.Close(4409, "superseded")
	}
	e.sinks[clientID] = sink
	member.Connected = true
	member.touch()

	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}

	if clientID == e.HostClientID {
		r.trackHostAttach(e.Code)
	}

	e.broadcastRoomStateLocked()
	return e.snapshotLocked(), nil
}

// Detach unwires a member's socket, invoked on socket close or
// heartbeat timeout.
func (r *Registry) Detach(code, clientID string) {
	e, err := r.find(code)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	member, ok := e.members[clientID]
	if !ok {
		return
	}
	delete(e.sinks, clientID)
	member.Connected = false
	member.touch()

	if clientID == e.HostClientID {
		r.trackHostDetach(e.Code)
	}

	e.broadcastRoomStateLocked()
	e.maybeArmIdleTimerLocked()
}

// Chat appends a chat message to the session's ring buffer and
// broadcasts it to every attached member.
func (r *Registry) Chat(code, clientID, text string) error {
	e, err := r.find(code)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed {
		return apierr.ErrSessionClosed
	}
	member, ok := e.members[clientID]
	if !ok {
		return apierr.ErrMemberNotFound
	}
	text = strings.TrimSpace(text)
	if text == "" || len(text) > r.cfg.MaxChatLen {
		return apierr.ErrValidation
	}

	e.nextChatID++
	entry := ChatEntry{
		ID:           e.nextChatID,
		FromClientID: member.ClientID,
		FromName:     member.Name,
		FromSlot:     member.Slot,
		Message:      text,
		At:           Now(),
	}
	e.Chat = append(e.Chat, entry)
	if ring := r.cfg.ChatRing; ring > 0 && len(e.Chat) > ring {
		e.Chat = e.Chat[len(e.Chat)-ring:]
	}

	e.broadcastLocked(TypeChat, ChatOutPayload{Entry: entry}, nil)
	return nil
}

// SetHostRom updates the ROM the host has loaded. Non-host callers
// are silently dropped, not errored.
func (r *Registry) SetHostRom(code, actorClientID string, romID, romTitle string) {
	e, err := r.find(code)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed || actorClientID != e.HostClientID {
		return
	}
	e.RomID = romID
	e.RomTitle = romTitle
	e.broadcastRoomStateLocked()
}

// InputFrame relays a validated input payload from a guest to the host
// only; it is never broadcast to other guests.
func (r *Registry) InputFrame(code, clientID string, payload InputPayload) {
	e, err := r.find(code)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed {
		return
	}
	member, ok := e.members[clientID]
	if !ok || clientID == e.HostClientID {
		return
	}

	hostSink, attached := e.sinks[e.HostClientID]
	if !attached {
		return
	}
	hostSink.Deliver(TypeRemoteInput, RemoteInputPayload{
		FromSlot: member.Slot,
		FromName: member.Name,
		At:       Now(),
		Payload:  payload,
	})
}

// Signal relays a WebRTC signalling payload between two members of the
// same session, stateless pass-through with no interpretation of the
// payload's contents.
func (r *Registry) Signal(code, fromClientID, targetClientID string, payload json.RawMessage) {
	e, err := r.find(code)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.Closed {
		return
	}
	if _, ok := e.members[fromClientID]; !ok {
		return
	}
	if _, ok := e.members[targetClientID]; !ok {
		return
	}

	sink, attached := e.sinks[targetClientID]
	if !attached {
		return
	}
	sink.Deliver(TypeWebrtcSignal, WebrtcSignalOutPayload{FromClientID: fromClientID, Payload: payload})
}

func (m *Member) touch() { m.lastSeenAt = Now() }

// snapshotLocked must be called with e.mu held.
func (e *entry) snapshotLocked() Session {
	s := e.Session
	s.Members = make([]Member, 0, len(e.members))
	for _, m := range e.members {
		s.Members = append(s.Members, *m)
	}
	s.Chat = append([]ChatEntry(nil), e.Chat...)
	return s
}

func (e *entry) broadcastRoomStateLocked() {
	e.broadcastLocked(TypeRoomState, RoomStatePayload{Session: e.snapshotLocked()}, nil)
}

func (e *entry) broadcastSessionClosedLocked(reason string, closeCode int, only []string) {
	e.broadcastLocked(TypeSessionClosed, SessionClosedPayload{Reason: reason}, only)
	targets := set.New(only...)
	for clientID, sink := range e.sinks {
		if _, ok := targets[clientID]; only != nil && !ok {
			continue
		}
		sink.Close(closeCode, reason)
	}
}

// broadcastLocked fans a frame out to every attached sink (or only to
// `only` when non-nil). It does no network I/O itself: Sink.Deliver owns
// its own queue and backpressure policy, and may wait briefly on a full
// queue before giving up on that sink.
func (e *entry) broadcastLocked(frameType string, payload any, only []string) {
	targets := set.New(only...)
	for clientID, sink := range e.sinks {
		if _, ok := targets[clientID]; only != nil && !ok {
			continue
		}
		sink.Deliver(frameType, payload)
	}
	if e.reg != nil {
		e.reg.publishAsync(e.Code, frameType, payload, only)
	}
}

// maybeArmIdleTimerLocked starts the idle-eviction timer once the last
// connected member detaches, and is a no-op otherwise.
func (e *entry) maybeArmIdleTimerLocked() {
	for _, m := range e.members {
		if m.Connected {
			return
		}
	}
	if e.idleTimer != nil {
		return
	}
	code := e.Code
	reg := e.reg
	e.idleTimer = time.AfterFunc(reg.cfg.IdleEvict, func() {
		reg.evict(code, "idle")
	})
}

// scheduleEviction arms the post-close grace timer.
func (r *Registry) scheduleEviction(code string, after time.Duration) {
	r.mu.RLock()
	e, ok := r.sessions[code]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.closeTimer = time.AfterFunc(after, func() {
		r.evict(code, "closed_grace_elapsed")
	})
	e.mu.Unlock()
}

// evict removes a session from the registry. It is the only path by
// which a session disappears; nothing else may delete a registry entry.
func (r *Registry) evict(code, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, code)
	r.mu.Unlock()

	e.mu.Lock()
	if !e.Closed {
		e.Closed = true
		e.broadcastSessionClosedLocked(reason, 4000, nil)
		metrics.SessionsActive.Dec()
	}
	if e.busCancel != nil {
		e.busCancel()
	}
	e.mu.Unlock()

	metrics.MembersCount.DeleteLabelValues(code)
	logging.Info(nil, "session evicted", zap.String("session_code", code), zap.String("reason", reason))
}

// Shutdown closes every live session, broadcasting session_closed to
// attached sockets, for graceful process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	codes := make([]string, 0, len(r.sessions))
	for code := range r.sessions {
		codes = append(codes, code)
	}
	r.mu.Unlock()

	for _, code := range codes {
		r.mu.RLock()
		e, ok := r.sessions[code]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.Closed {
			e.Closed = true
			e.broadcastSessionClosedLocked("server shutting down", 1001, nil)
		}
		if e.busCancel != nil {
			e.busCancel()
		}
		e.mu.Unlock()
	}

	r.wg.Wait()
}
