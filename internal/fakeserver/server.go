// Package fakeserver is an in-memory chat backend speaking the room REST
// API and the push protocol. It backs the devserver command and the
// client's end-to-end tests, and exposes knobs to inject failures.
package fakeserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// Sender is the sender object of a wire message.
type Sender struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

// Message is a stored message in wire form.
type Message struct {
	MessageID int64  `json:"messageId"`
	Text      string `json:"text"`
	Sender    Sender `json:"sender"`
	SentAt    string `json:"sentAt"`
	Type      string `json:"type"`
}

type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	Type   string `json:"type"`
	TempID string `json:"tempId"`
}

// Claims is the token payload the server issues and accepts.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
	FullName string `json:"fullName,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) sender() Sender {
	return Sender{UserID: c.UserID, Username: c.Username, FullName: c.FullName}
}

// ============================================================================
// Server
// ============================================================================

// Options configures a Server.
type Options struct {
	// Secret signs and verifies HS256 tokens.
	Secret []byte
	Logger *zap.Logger
}

type room struct {
	id       string
	messages []Message
}

type peer struct {
	conn   *websocket.Conn
	claims *Claims
	rooms  map[string]bool
}

// Server is the in-memory backend.
type Server struct {
	secret []byte
	logger *zap.Logger
	router *chi.Mux

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	frames   *prometheus.CounterVec

	mu          sync.Mutex
	roomsByPair map[string]string
	rooms       map[string]*room
	nextRoom    int
	nextMsg     int64
	peers       map[*peer]struct{}
	joins       map[string]int
	rejects     map[string]int
	echo        bool
	mutePush    bool
	refuse      int
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("chatsync-dev-secret")
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	s := &Server{
		secret:   opts.Secret,
		logger:   opts.Logger.Named("fakeserver"),
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fakeserver",
			Name:      "http_requests_total",
			Help:      "REST requests by route and status",
		}, []string{"route", "status"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fakeserver",
			Name:      "push_frames_total",
			Help:      "Push frames by direction and type",
		}, []string{"direction", "type"}),
		roomsByPair: make(map[string]string),
		rooms:       make(map[string]*room),
		peers:       make(map[*peer]struct{}),
		joins:       make(map[string]int),
		rejects:     make(map[string]int),
		echo:        true,
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/ws", s.handleWS)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/rooms/{counselorId}/create-room", s.handleCreateRoom)
		r.Get("/rooms/{roomId}/messages", s.handleListMessages)
		r.Post("/rooms/{roomId}/messages", s.handlePostMessage)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// IssueToken signs a token for the given user.
func (s *Server) IssueToken(userID, username, fullName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		FullName: fullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.New("token carries no user id")
	}
	return claims, nil
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type claimsKey struct{}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verify(bearer(r))
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) *Claims {
	c, _ := r.Context().Value(claimsKey{}).(*Claims)
	return c
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	s.requests.WithLabelValues(routeOf(r), strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	s.writeJSON(w, r, status, map[string]string{"code": code, "message": msg})
}

func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
		return rc.RoutePattern()
	}
	return r.URL.Path
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	counselor := chi.URLParam(r, "counselorId")
	if counselor == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_input", "counselorId is required")
		return
	}
	pair := []string{claims.UserID, counselor}
	sort.Strings(pair)
	key := pair[0] + "|" + pair[1]

	s.mu.Lock()
	id, ok := s.roomsByPair[key]
	if !ok {
		s.nextRoom++
		id = strconv.Itoa(s.nextRoom)
		s.roomsByPair[key] = id
		s.rooms[id] = &room{id: id}
	}
	s.mu.Unlock()

	n, _ := strconv.Atoi(id)
	s.writeJSON(w, r, http.StatusOK, map[string]int{"roomId": n})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "roomId")
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	after, _ := strconv.ParseInt(q.Get("after"), 10, 64)

	s.mu.Lock()
	rm := s.rooms[id]
	if rm == nil {
		s.mu.Unlock()
		s.writeError(w, r, http.StatusNotFound, "room_not_found", "room "+id+" does not exist")
		return
	}
	out := []Message{}
	for _, m := range rm.messages {
		if m.MessageID > after {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	s.mu.Unlock()

	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "roomId")
	var body struct {
		Text   string `json:"message_text"`
		Type   string `json:"message_type"`
		TempID string `json:"client_temp_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	s.mu.Lock()
	status := s.rejects[id]
	echo := s.echo
	s.mu.Unlock()
	if status != 0 {
		s.writeError(w, r, status, "rejected", "room "+id+" rejects messages")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		s.writeError(w, r, http.StatusBadRequest, "invalid_input", "message_text is required")
		return
	}

	m, ok := s.create(id, claimsFrom(r).sender(), body.Text, body.Type, body.TempID)
	if !ok {
		s.writeError(w, r, http.StatusNotFound, "room_not_found", "room "+id+" does not exist")
		return
	}
	resp := struct {
		Message
		ClientTempID string `json:"client_temp_id,omitempty"`
	}{Message: m}
	if echo {
		resp.ClientTempID = body.TempID
	}
	s.writeJSON(w, r, http.StatusCreated, resp)
}

// create stores a message and pushes it to the room's joined peers.
func (s *Server) create(roomID string, sender Sender, text, typ, tempID string) (Message, bool) {
	if typ == "" {
		typ = "text"
	}
	s.mu.Lock()
	rm := s.rooms[roomID]
	if rm == nil {
		s.mu.Unlock()
		return Message{}, false
	}
	s.nextMsg++
	m := Message{
		MessageID: s.nextMsg,
		Text:      text,
		Sender:    sender,
		SentAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Type:      typ,
	}
	rm.messages = append(rm.messages, m)
	payload := map[string]any{"roomId": roomID, "message": m}
	if s.echo && tempID != "" {
		payload["tempId"] = tempID
	}
	targets := s.joinedLocked(roomID, nil)
	mute := s.mutePush
	s.mu.Unlock()

	s.logger.Debug("message created", zap.String("room_id", roomID), zap.Int64("message_id", m.MessageID))
	if !mute {
		s.broadcast(targets, outFrame{Type: "new_message", Payload: payload})
	}
	return m, true
}

// ============================================================================
// Test controls
// ============================================================================

// EnsureRoom creates the room for the pair if needed and returns its id.
func (s *Server) EnsureRoom(userID, counselorID string) string {
	pair := []string{userID, counselorID}
	sort.Strings(pair)
	key := pair[0] + "|" + pair[1]
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.roomsByPair[key]; ok {
		return id
	}
	s.nextRoom++
	id := strconv.Itoa(s.nextRoom)
	s.roomsByPair[key] = id
	s.rooms[id] = &room{id: id}
	return id
}

// Post stores a message from sender as if it had been sent by another
// client.
func (s *Server) Post(roomID string, sender Sender, text string) (Message, bool) {
	return s.create(roomID, sender, text, "text", "")
}

// Messages returns the stored messages of a room.
func (s *Server) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm := s.rooms[roomID]
	if rm == nil {
		return nil
	}
	return append([]Message(nil), rm.messages...)
}

// JoinCount returns how many join_room frames arrived for roomID.
func (s *Server) JoinCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[roomID]
}

// Connections returns the number of open push connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// DropConnections closes every push connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

// RejectRoom makes message posts to roomID fail with status. Zero clears.
func (s *Server) RejectRoom(roomID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.rejects, roomID)
		return
	}
	s.rejects[roomID] = status
}

// EchoTempID controls whether client temp ids are echoed back.
func (s *Server) EchoTempID(on bool) {
	s.mu.Lock()
	s.echo = on
	s.mu.Unlock()
}

// MutePush stops new_message pushes while leaving connections up.
func (s *Server) MutePush(on bool) {
	s.mu.Lock()
	s.mutePush = on
	s.mu.Unlock()
}

// RefuseUpgrades makes push upgrades fail with status. Zero accepts again.
func (s *Server) RefuseUpgrades(status int) {
	s.mu.Lock()
	s.refuse = status
	s.mu.Unlock()
}

// SendPresence pushes a status change for userID to roomID's peers.
func (s *Server) SendPresence(roomID, userID, status string) {
	s.mu.Lock()
	targets := s.joinedLocked(roomID, nil)
	s.mu.Unlock()
	s.broadcast(targets, outFrame{Type: "user_status_change", Payload: map[string]string{
		"roomId": roomID, "userId": userID, "status": status,
	}})
}
