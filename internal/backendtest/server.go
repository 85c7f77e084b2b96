// Package backendtest is an in-memory chat backend for exercising relaycheck:
// a credential service, the conversation API and a melody WebSocket hub.
// It mirrors the routes and frame shapes of the real service closely enough
// for the scenarios to run, nothing more.
package backendtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/olahol/melody"
)

// Option customizes a Server.
type Option func(*Server)

// WithSelfEcho makes the hub deliver a sender's own messages back to it.
func WithSelfEcho(enabled bool) Option {
	return func(s *Server) { s.selfEcho = enabled }
}

// WithDeliveryFilter drops stream deliveries for which keep returns false.
// History is unaffected.
func WithDeliveryFilter(keep func(recipient string, text string) bool) Option {
	return func(s *Server) { s.keep = keep }
}

// WithPostResponse makes message posts return the stored message instead of
// an empty acknowledgement.
func WithPostResponse(enabled bool) Option {
	return func(s *Server) { s.postBody = enabled }
}

// WithPostDelay delays every message post before it is stored.
func WithPostDelay(d time.Duration) Option {
	return func(s *Server) { s.postDelay = d }
}

// WithGarbledStream makes the hub greet matching users with a frame that is
// not JSON as soon as their stream connects.
func WithGarbledStream(match func(user string) bool) Option {
	return func(s *Server) { s.garble = match }
}

type conversation struct {
	Name         string `json:"name"`
	Title        string `json:"title,omitempty"`
	Admin        string `json:"admin"`
	Created      int64  `json:"created"`
	participants []string
}

type message struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Source       string `json:"source"`
	Text         string `json:"text"`
	Created      int64  `json:"created"`
	ReplyTo      string `json:"reply_to,omitempty"`
}

type receipt struct {
	User        string `json:"user"`
	DeliveredAt int64  `json:"delivered_at"`
	ReadAt      int64  `json:"read_at"`
	Reaction    int64  `json:"reaction"`
}

type Server struct {
	selfEcho  bool
	postBody  bool
	postDelay time.Duration
	keep      func(recipient, text string) bool
	garble    func(user string) bool

	hub *melody.Melody
	mux *http.ServeMux

	mu            sync.Mutex
	users         map[string]string
	tokens        map[string]string
	conversations map[string]*conversation
	history       map[string][]message
	senders       map[string]string
	receipts      map[string]map[string]*receipt
	delivered     int64

	httpServer *httptest.Server
}

// New builds a Server without listening; serve it through Handler.
func New(opts ...Option) *Server {
	s := &Server{
		hub:           melody.New(),
		mux:           http.NewServeMux(),
		users:         map[string]string{},
		tokens:        map[string]string{},
		conversations: map[string]*conversation{},
		history:       map[string][]message{},
		senders:       map[string]string{},
		receipts:      map[string]map[string]*receipt{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub.Config.MaxMessageSize = 64 << 10
	s.hub.Config.MessageBufferSize = 4096
	s.hub.HandleMessage(s.handleFrame)
	if s.garble != nil {
		s.hub.HandleConnect(func(session *melody.Session) {
			if s.garble(sessionUser(session)) {
				_ = session.Write([]byte("not json"))
			}
		})
	}
	s.routes()
	return s
}

// Start builds a Server and serves it on a loopback httptest listener.
func Start(opts ...Option) *Server {
	s := New(opts...)
	s.httpServer = httptest.NewServer(s.mux)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// Close disconnects every stream session and stops the listener.
func (s *Server) Close() {
	_ = s.hub.Close()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// URL is the listener base URL.
func (s *Server) URL() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.URL
}

// AuthURL is the credential service base URL.
func (s *Server) AuthURL() string { return s.URL() + "/api/auth" }

// APIURL is the message API base URL.
func (s *Server) APIURL() string { return s.URL() }

// StreamURL is the WebSocket endpoint.
func (s *Server) StreamURL() string {
	return "ws" + strings.TrimPrefix(s.URL(), "http") + "/ws/"
}

// HistoryLen returns how many messages a conversation has persisted.
func (s *Server) HistoryLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[name])
}

// Delivered returns how many stream frames the hub has fanned out.
func (s *Server) Delivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Sessions returns the number of open stream sessions.
func (s *Server) Sessions() int {
	sessions, err := s.hub.Sessions()
	if err != nil {
		return 0
	}
	return len(sessions)
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]string{}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/auth/register", s.register)
	s.mux.HandleFunc("POST /api/auth/login", s.login)

	s.mux.HandleFunc("POST /conversations", s.authed(s.createConversation))
	s.mux.HandleFunc("GET /conversations", s.authed(s.listConversations))
	s.mux.HandleFunc("GET /conversations/{name}", s.authed(s.getConversation))
	s.mux.HandleFunc("POST /conversations/{name}/messages", s.authed(s.postMessage))
	s.mux.HandleFunc("GET /conversations/{name}/messages", s.authed(s.getMessages))
	s.mux.HandleFunc("GET /messages/{id}/receipts", s.authed(s.getReceipts))
	s.mux.HandleFunc("GET /messages/{id}/react/{reaction}", s.authed(s.react))
	s.mux.HandleFunc("GET /messages/{id}/mark_as_read", s.authed(s.markRead))

	s.mux.HandleFunc("GET /ws/", s.authed(s.stream))
	s.mux.HandleFunc("GET /ws", s.authed(s.stream))
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

type principalHandler func(w http.ResponseWriter, r *http.Request, user string)

func (s *Server) authed(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		user, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func now() int64 { return time.Now().UnixMilli() }

func (s *Server) participant(name, user string) (*conversation, bool) {
	conv, ok := s.conversations[name]
	if !ok {
		return nil, false
	}
	for _, p := range conv.participants {
		if p == user {
			return conv, true
		}
	}
	return conv, false
}
