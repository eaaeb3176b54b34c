package tictactoe

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var (
	errRoomFull      = errors.New("room is full")
	errNotInRoom     = errors.New("join a room first")
	errAlreadyInRoom = errors.New("already in a room")
	errRoomRequired  = errors.New("room is required")
	errRateLimited   = errors.New("too many messages, slow down")
)

// Inbound is a frame sent by a client.
type Inbound struct {
	Type string `json:"type"`
	Room string `json:"room,omitempty"`
	Cell *int   `json:"cell,omitempty"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Mark    string `json:"mark,omitempty"`
	State   *State `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// Hub pairs sockets into two-player rooms.
type Hub struct {
	limit  rate.Limit
	burst  int
	logger *logging.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	players map[*player]struct{}
	closed  bool
}

type room struct {
	id      string
	game    *Game
	players map[Mark]*player
}

type player struct {
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	// guarded by Hub.mu
	room *room
	mark Mark
}

type delivery struct {
	to  *player
	msg Outbound
}

// NewHub creates a hub throttling each socket to messagesPerSecond with burst.
func NewHub(messagesPerSecond float64, burst int, logger *logging.Logger) *Hub {
	limit := rate.Inf
	if messagesPerSecond > 0 {
		limit = rate.Limit(messagesPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Hub{
		limit:   limit,
		burst:   burst,
		logger:  logger,
		rooms:   make(map[string]*room),
		players: make(map[*player]struct{}),
	}
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Serve runs the read loop for conn until it disconnects.
func (h *Hub) Serve(conn *websocket.Conn) {
	p := &player{conn: conn, limiter: rate.NewLimiter(h.limit, h.burst)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.players[p] = struct{}{}
	h.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		h.leave(p)
	}()
	go h.keepAlive(p, done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.debug("Socket closed unexpectedly", zap.Error(err))
			}
			return
		}

		if !p.limiter.Allow() {
			h.send(delivery{to: p, msg: errorFrame(errRateLimited)})
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.send(delivery{to: p, msg: Outbound{Type: "error", Message: "invalid JSON frame"}})
			continue
		}

		h.send(h.handle(p, in)...)
	}
}

// Close disconnects every socket and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	players := make([]*player, 0, len(h.players))
	for p := range h.players {
		players = append(players, p)
	}
	h.mu.Unlock()

	for _, p := range players {
		p.writeMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		p.writeMu.Unlock()
		_ = p.conn.Close()
	}
	return nil
}

func (h *Hub) handle(p *player, in Inbound) []delivery {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch in.Type {
	case "join":
		return h.joinLocked(p, strings.TrimSpace(in.Room))
	case "move":
		if p.room == nil {
			return []delivery{{to: p, msg: errorFrame(errNotInRoom)}}
		}
		if in.Cell == nil {
			return []delivery{{to: p, msg: errorFrame(ErrOutOfRange)}}
		}
		if err := p.room.game.Play(p.mark, *in.Cell); err != nil {
			return []delivery{{to: p, msg: errorFrame(err)}}
		}
		return p.room.broadcastState()
	case "reset":
		if p.room == nil {
			return []delivery{{to: p, msg: errorFrame(errNotInRoom)}}
		}
		p.room.game.Reset()
		return p.room.broadcastState()
	default:
		return []delivery{{to: p, msg: Outbound{Type: "error", Message: "unknown message type"}}}
	}
}

func (h *Hub) joinLocked(p *player, id string) []delivery {
	switch {
	case id == "":
		return []delivery{{to: p, msg: errorFrame(errRoomRequired)}}
	case p.room != nil:
		return []delivery{{to: p, msg: errorFrame(errAlreadyInRoom)}}
	}

	r, ok := h.rooms[id]
	if !ok {
		r = &room{id: id, game: NewGame(), players: make(map[Mark]*player)}
		h.rooms[id] = r
	}

	mark := X
	if _, taken := r.players[X]; taken {
		mark = O
	}
	if _, taken := r.players[mark]; taken {
		return []delivery{{to: p, msg: errorFrame(errRoomFull)}}
	}

	r.players[mark] = p
	p.room, p.mark = r, mark

	out := []delivery{{to: p, msg: Outbound{Type: "joined", Room: id, Mark: mark.String()}}}
	if len(r.players) == 2 {
		r.game.Reset()
		out = append(out, r.broadcastState()...)
	}
	return out
}

func (h *Hub) leave(p *player) {
	h.mu.Lock()
	delete(h.players, p)
	var out []delivery
	if r := p.room; r != nil {
		delete(r.players, p.mark)
		for _, other := range r.players {
			out = append(out, delivery{to: other, msg: Outbound{Type: "opponent_left", Room: r.id}})
		}
		if len(r.players) == 0 {
			delete(h.rooms, r.id)
		}
		p.room = nil
	}
	h.mu.Unlock()

	h.send(out...)
	_ = p.conn.Close()
}

func (r *room) broadcastState() []delivery {
	state := r.game.State()
	out := make([]delivery, 0, len(r.players))
	for _, p := range r.players {
		s := state
		out = append(out, delivery{to: p, msg: Outbound{Type: "state", Room: r.id, State: &s}})
	}
	return out
}

func (h *Hub) send(deliveries ...delivery) {
	for _, d := range deliveries {
		d.to.writeMu.Lock()
		_ = d.to.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := d.to.conn.WriteJSON(d.msg)
		d.to.writeMu.Unlock()
		if err != nil {
			h.debug("Failed to write frame", zap.Error(err))
		}
	}
}

func (h *Hub) keepAlive(p *player, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) debug(msg string, fields ...zap.Field) {
	if h.logger != nil {
		h.logger.Debug(msg, fields...)
	}
}

func errorFrame(err error) Outbound {
	return Outbound{Type: "error", Message: err.Error()}
}
