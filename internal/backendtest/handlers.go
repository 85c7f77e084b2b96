package backendtest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/olahol/melody"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil || c.Username == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[c.Username]; exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}
	s.users[c.Username] = c.Password
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	password, ok := s.users[c.Username]
	if !ok || password != c.Password {
		s.mu.Unlock()
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token := uuid.NewString()
	s.tokens[token] = c.Username
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"data": map[string]string{
			"access_token":  token,
			"refresh_token": uuid.NewString(),
		},
	})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request, user string) {
	var req struct {
		Participants []string `json:"participants"`
		Name         string   `json:"name"`
		Title        string   `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(req.Participants) == 0 {
		http.Error(w, "Conversation must have at least one participant", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.Name
	if _, taken := s.conversations[name]; name == "" || taken {
		name = uuid.NewString()
	}
	conv := &conversation{Name: name, Title: req.Title, Admin: user, Created: now(), participants: []string{user}}
	seen := map[string]bool{user: true}
	for _, p := range req.Participants {
		if !seen[p] {
			seen[p] = true
			conv.participants = append(conv.participants, p)
		}
	}
	s.conversations[name] = conv
	writeJSON(w, conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*conversation{}
	for name := range s.conversations {
		if conv, ok := s.participant(name, user); ok {
			out = append(out, conv)
		}
	}
	writeJSON(w, out)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.participant(r.PathValue("name"), user)
	switch {
	case conv == nil:
		http.Error(w, "Conversation not found", http.StatusNotFound)
	case !ok:
		http.Error(w, "Not a participant in this conversation", http.StatusForbidden)
	default:
		writeJSON(w, conv)
	}
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, user string) {
	var req struct {
		Text    string `json:"text"`
		ReplyTo string `json:"reply_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.postDelay > 0 {
		select {
		case <-time.After(s.postDelay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	conv, ok := s.participant(r.PathValue("name"), user)
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Not a participant in this conversation", http.StatusForbidden)
		return
	}
	msg := message{
		ID:           uuid.NewString(),
		Conversation: conv.Name,
		Source:       user,
		Text:         req.Text,
		Created:      now(),
		ReplyTo:      req.ReplyTo,
	}
	s.history[conv.Name] = append(s.history[conv.Name], msg)
	s.senders[msg.ID] = user
	var targets []string
	for _, p := range conv.participants {
		if p != user || s.selfEcho {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	payload, _ := json.Marshal(msg)
	s.deliver(payload, msg.Text, targets)

	if s.postBody {
		writeJSON(w, msg)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, user string) {
	limit, offset := 1000, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.participant(r.PathValue("name"), user)
	if !ok {
		http.Error(w, "Not a participant in this conversation", http.StatusForbidden)
		return
	}
	history := s.history[conv.Name]
	page := []message{}
	if offset < len(history) {
		end := min(offset+limit, len(history))
		page = append(page, history[offset:end]...)
	}
	for _, m := range page {
		if m.Source != user {
			s.receiptFor(m.ID, user).DeliveredAt = now()
		}
	}
	writeJSON(w, page)
}

// receiptFor must be called with s.mu held.
func (s *Server) receiptFor(messageID, user string) *receipt {
	byUser, ok := s.receipts[messageID]
	if !ok {
		byUser = map[string]*receipt{}
		s.receipts[messageID] = byUser
	}
	rc, ok := byUser[user]
	if !ok {
		rc = &receipt{User: user}
		byUser[user] = rc
	}
	return rc
}

func (s *Server) getReceipts(w http.ResponseWriter, r *http.Request, user string) {
	id := r.PathValue("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.senders[id] != user {
		http.NotFound(w, r)
		return
	}
	out := []receipt{}
	for _, rc := range s.receipts[id] {
		out = append(out, *rc)
	}
	writeJSON(w, out)
}

func (s *Server) react(w http.ResponseWriter, r *http.Request, user string) {
	reaction, err := strconv.ParseInt(r.PathValue("reaction"), 10, 64)
	if err != nil {
		http.Error(w, "reaction must be numeric", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.senders[id]; !ok {
		http.NotFound(w, r)
		return
	}
	s.receiptFor(id, user).Reaction = reaction
	w.WriteHeader(http.StatusOK)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.PathValue("id")
	if _, ok := s.senders[id]; !ok {
		http.NotFound(w, r)
		return
	}
	s.receiptFor(id, user).ReadAt = now()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, user string) {
	// The upgrader has already answered when this fails.
	_ = s.hub.HandleRequestWithKeys(w, r, map[string]any{"user": user})
}

// handleFrame routes {"type":"private","to":..,"content":..} frames.
func (s *Server) handleFrame(session *melody.Session, data []byte) {
	var frame struct {
		Type    string `json:"type"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "private" {
		return
	}
	from := sessionUser(session)
	payload, _ := json.Marshal(map[string]string{"from": from, "content": frame.Content})
	targets := []string{frame.To}
	if s.selfEcho && frame.To != from {
		targets = append(targets, from)
	}
	s.deliver(payload, frame.Content, targets)
}

func (s *Server) deliver(payload []byte, text string, targets []string) {
	want := make(map[string]bool, len(targets))
	for _, t := range targets {
		if s.keep == nil || s.keep(t, text) {
			want[t] = true
		}
	}
	if len(want) == 0 {
		return
	}
	_ = s.hub.BroadcastFilter(payload, func(q *melody.Session) bool {
		if !want[sessionUser(q)] {
			return false
		}
		s.mu.Lock()
		s.delivered++
		s.mu.Unlock()
		return true
	})
}

func sessionUser(session *melody.Session) string {
	v, ok := session.Get("user")
	if !ok {
		return ""
	}
	user, _ := v.(string)
	return user
}
