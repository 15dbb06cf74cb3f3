package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulseboard/api/internal/pubsub"
	"pulseboard/api/internal/util"
)

// Options configures a Hub.
type Options struct {
	// SendBuffer is the per-connection outbound channel size. A client
	// that falls this many events behind is disconnected.
	SendBuffer int
	// TypingTTL is how long a typing indicator stays up without the
	// client refreshing it.
	TypingTTL time.Duration
	// OnSessionEnd fires after the last participant leaves a room.
	OnSessionEnd func(SessionSummary)
	// Pubsub, when set, relays room events across API replicas.
	Pubsub pubsub.Pubsub
}

// Hub owns all collaboration rooms in this process.
type Hub struct {
	opts     Options
	originID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	relayCh chan relayMsg

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	key       RoomKey
	sessionID string
	startedAt time.Time
	seq       uint64

	clients map[string]*Client   // by ConnID
	typing  map[string]time.Time // ConnID -> expiry
	actors  map[string]struct{}  // user names seen on doc changes

	changeCount int
	lastDoc     json.RawMessage

	relayCancel func()
}

// Client is one registered connection. The owner drains Events() into
// its transport and must call Hub.Leave when the transport closes.
type Client struct {
	Participant

	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Events is the ordered outbound event stream for this connection.
func (c *Client) Events() <-chan Event {
	return c.send
}

// Done is closed when the hub has deregistered this connection, either
// by Leave, replacement, slow-consumer eviction, or hub shutdown.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// NewHub creates a hub. Close must be called on shutdown.
func NewHub(opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		opts:     opts,
		originID: uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]*room),
	}
	h.wg.Add(1)
	go h.sweepTyping()
	if opts.Pubsub != nil {
		h.relayCh = make(chan relayMsg, 256)
		h.wg.Add(1)
		go h.relayLoop()
	}
	return h
}

// Join registers a connection in the room for key. The joiner receives a
// presence.state roster as its first event; everyone else receives
// presence.join. Joining again with the same ConnID replaces the old
// registration.
func (h *Hub) Join(ctx context.Context, key RoomKey, p Participant) (*Client, error) {
	if p.ConnID == "" || p.UserID == "" {
		return nil, fmt.Errorf("participant needs user and connection IDs")
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Checked under the lock: a Join racing Close must not register a
	// fresh room after Close has already emptied the map.
	if err := h.ctx.Err(); err != nil {
		return nil, fmt.Errorf("hub closed: %w", err)
	}

	rm := h.rooms[key.String()]
	if rm == nil {
		rm = &room{
			key:       key,
			sessionID: util.NewID("sess"),
			startedAt: time.Now(),
			clients:   make(map[string]*Client),
			typing:    make(map[string]time.Time),
			actors:    make(map[string]struct{}),
		}
		h.rooms[key.String()] = rm
		h.subscribeRelayLocked(rm)
	}

	if old, ok := rm.clients[p.ConnID]; ok {
		// Rejoin with the same ConnID: the stale registration goes away
		// without a presence.leave, the roster never shows it twice.
		delete(rm.clients, p.ConnID)
		old.close()
	}

	client := &Client{
		Participant: p,
		send:        make(chan Event, h.opts.SendBuffer),
		done:        make(chan struct{}),
	}
	rm.clients[p.ConnID] = client

	joined, _ := json.Marshal(p)
	h.broadcastLocked(rm, Event{
		Type:    EventPresenceJoin,
		Actor:   p.UserName,
		Payload: joined,
	}, p.ConnID, true)

	// The joiner's first event is the roster. Its buffer is empty, the
	// send cannot block. The roster goes to one connection only, so it
	// carries the room's current position instead of consuming a seq
	// everyone else would see as a gap.
	roster, _ := json.Marshal(map[string]any{"participants": rm.rosterLocked()})
	client.send <- Event{
		Type:    EventPresenceState,
		Room:    key.String(),
		Seq:     rm.seq,
		Payload: roster,
		At:      time.Now(),
	}

	return client, nil
}

// Leave deregisters a connection. Unknown connections are a no-op. When
// the roster empties the room is retired and OnSessionEnd fires.
func (h *Hub) Leave(key RoomKey, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(key, connID, true)
}

// Broadcast fans a client-originated event out to the room. Cursor and
// typing signals are transient: unsequenced and not echoed to the
// sender. Everything else takes the next sequence number and echoes
// back, so the sender observes its own position in the total order and
// every delivered sequence stream stays gap-free.
func (h *Hub) Broadcast(key RoomKey, typ, actor string, payload json.RawMessage, fromConnID string) error {
	if !ClientSendable(typ) {
		return fmt.Errorf("event type %q not allowed", typ)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rm := h.rooms[key.String()]
	if rm == nil {
		// Broadcast into a room with no participants is dropped.
		return nil
	}

	switch typ {
	case EventTypingStart:
		rm.typing[fromConnID] = time.Now().Add(h.opts.TypingTTL)
	case EventTypingStop:
		delete(rm.typing, fromConnID)
	case EventDocChange:
		rm.changeCount++
		rm.lastDoc = payload
		if actor != "" {
			rm.actors[actor] = struct{}{}
		}
	}

	except := ""
	if Transient(typ) {
		except = fromConnID
	}
	h.broadcastLocked(rm, Event{Type: typ, Actor: actor, Payload: payload}, except, true)
	return nil
}

// Presence returns the current roster for a room, sorted by join time.
func (h *Hub) Presence(key RoomKey) []Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm := h.rooms[key.String()]
	if rm == nil {
		return []Participant{}
	}
	return rm.rosterLocked()
}

// RoomCount reports how many rooms are live, for readiness and tests.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close retires every room, closing all connections and firing session
// summaries for rooms that saw document changes.
func (h *Hub) Close() {
	h.cancel()

	h.mu.Lock()
	for name, rm := range h.rooms {
		if rm.relayCancel != nil {
			rm.relayCancel()
		}
		for _, client := range rm.clients {
			client.close()
		}
		h.finishSessionLocked(rm)
		delete(h.rooms, name)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// broadcastLocked stamps room, seq, and timestamp onto ev and fans it
// out. Sequence assignment happens under the hub lock so delivery order
// matches sequence order for every client. Transient events carry Seq 0:
// they skip the sender, and numbering them would punch a hole in the
// sender's stream that reads as missed events. Slow consumers are
// evicted only after the fan-out completes; announcing their departure
// mid-loop would hand later clients the leave event before this one.
func (h *Hub) broadcastLocked(rm *room, ev Event, exceptConnID string, relay bool) {
	ev.Room = rm.key.String()
	if Transient(ev.Type) {
		ev.Seq = 0
	} else {
		rm.seq++
		ev.Seq = rm.seq
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var evicted []*Client
	for connID, client := range rm.clients {
		if connID == exceptConnID {
			continue
		}
		select {
		case client.send <- ev:
		default:
			evicted = append(evicted, client)
		}
	}

	if relay && h.opts.Pubsub != nil {
		h.relayOut(rm.key, ev)
	}

	for _, client := range evicted {
		log.Printf(`{"msg":"realtime: dropping slow consumer","room":"%s","conn":"%s","user":"%s"}`,
			rm.key, client.ConnID, client.UserID)
		h.removeLocked(rm.key, client.ConnID, true)
	}
}

// removeLocked deregisters a connection and, if announce is set,
// broadcasts presence.leave. Retires the room when it empties.
func (h *Hub) removeLocked(key RoomKey, connID string, announce bool) {
	rm := h.rooms[key.String()]
	if rm == nil {
		return
	}
	client, ok := rm.clients[connID]
	if !ok {
		return
	}
	delete(rm.clients, connID)
	delete(rm.typing, connID)
	client.close()

	if len(rm.clients) == 0 {
		if rm.relayCancel != nil {
			rm.relayCancel()
		}
		delete(h.rooms, key.String())
		h.finishSessionLocked(rm)
		return
	}

	if announce {
		left, _ := json.Marshal(client.Participant)
		h.broadcastLocked(rm, Event{
			Type:    EventPresenceLeave,
			Actor:   client.UserName,
			Payload: left,
		}, "", true)
	}
}

func (h *Hub) finishSessionLocked(rm *room) {
	if h.opts.OnSessionEnd == nil {
		return
	}
	actors := make([]string, 0, len(rm.actors))
	for actor := range rm.actors {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	summary := SessionSummary{
		Key:         rm.key,
		SessionID:   rm.sessionID,
		ChangeCount: rm.changeCount,
		LastDoc:     rm.lastDoc,
		Actors:      actors,
		StartedAt:   rm.startedAt,
		EndedAt:     time.Now(),
	}
	// Session-end work (snapshot commit, audit) does its own I/O; keep
	// it off the hub lock.
	go h.opts.OnSessionEnd(summary)
}

func (h *Hub) sweepTyping() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-ticker.C:
			h.expireTyping(now)
		}
	}
}

// expireTyping broadcasts typing.stop for indicators whose TTL lapsed,
// covering clients that died without sending one.
func (h *Hub) expireTyping(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rm := range h.rooms {
		for connID, deadline := range rm.typing {
			if now.Before(deadline) {
				continue
			}
			delete(rm.typing, connID)
			actor := ""
			if client, ok := rm.clients[connID]; ok {
				actor = client.UserName
			}
			h.broadcastLocked(rm, Event{Type: EventTypingStop, Actor: actor}, connID, true)
		}
	}
}

func (rm *room) rosterLocked() []Participant {
	roster := make([]Participant, 0, len(rm.clients))
	for _, client := range rm.clients {
		roster = append(roster, client.Participant)
	}
	sort.Slice(roster, func(i, j int) bool {
		if roster[i].JoinedAt.Equal(roster[j].JoinedAt) {
			return roster[i].ConnID < roster[j].ConnID
		}
		return roster[i].JoinedAt.Before(roster[j].JoinedAt)
	})
	return roster
}

// relayEnvelope carries a room event between replicas. Origin suppresses
// the echo of our own publishes; relayed events keep their origin Seq.
type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

type relayMsg struct {
	channel string
	payload []byte
}

// relayOut hands the event to the relay worker. It runs under h.mu, and
// Publish can block (a network round-trip, or the memory pubsub waiting
// on the peer hub's listener, which takes that hub's lock), so the
// publish itself must happen off the lock. A full backlog drops the
// event rather than stalling every room.
func (h *Hub) relayOut(key RoomKey, ev Event) {
	payload, err := json.Marshal(relayEnvelope{Origin: h.originID, Event: ev})
	if err != nil {
		return
	}
	select {
	case h.relayCh <- relayMsg{channel: pubsub.RoomChannel(key.Kind, key.ID), payload: payload}:
	default:
		log.Printf(`{"msg":"realtime: relay backlog full, dropping event","room":"%s"}`, key)
	}
}

func (h *Hub) relayLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.relayCh:
			if err := h.opts.Pubsub.Publish(msg.channel, msg.payload); err != nil {
				log.Printf(`{"msg":"realtime: relay publish failed","channel":"%s","error":"%v"}`, msg.channel, err)
			}
		}
	}
}

func (h *Hub) subscribeRelayLocked(rm *room) {
	if h.opts.Pubsub == nil {
		return
	}
	key := rm.key
	cancel, err := h.opts.Pubsub.Subscribe(pubsub.RoomChannel(key.Kind, key.ID), func(ctx context.Context, message []byte) {
		var envelope relayEnvelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			return
		}
		if envelope.Origin == h.originID {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		current := h.rooms[key.String()]
		if current == nil {
			return
		}
		var evicted []*Client
		for _, client := range current.clients {
			select {
			case client.send <- envelope.Event:
			default:
				evicted = append(evicted, client)
			}
		}
		for _, client := range evicted {
			h.removeLocked(key, client.ConnID, true)
		}
	})
	if err != nil {
		log.Printf(`{"msg":"realtime: relay subscribe failed","room":"%s","error":"%v"}`, rm.key, err)
		return
	}
	rm.relayCancel = cancel
}
