package fakeserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse != 0 {
		s.writeError(w, r, refuse, "unavailable", "push upgrades refused")
		return
	}
	claims, err := s.verify(bearer(r))
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	s.requests.WithLabelValues("/ws", "101").Inc()

	p := &peer{conn: conn, claims: claims, rooms: make(map[string]bool)}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	s.send(ctx, p, outFrame{Type: "authenticated", Payload: claims.sender()})
	s.logger.Debug("peer connected", zap.String("user_id", claims.UserID))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.send(ctx, p, outFrame{Type: "error", Payload: map[string]string{"code": "bad_frame", "message": err.Error()}})
			continue
		}
		s.frames.WithLabelValues("in", f.Type).Inc()
		s.handleFrame(ctx, p, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, p *peer, f frame) {
	var pl roomPayload
	json.Unmarshal(f.Payload, &pl)

	switch f.Type {
	case "join_room":
		s.mu.Lock()
		_, exists := s.rooms[pl.RoomID]
		if exists {
			p.rooms[pl.RoomID] = true
			s.joins[pl.RoomID]++
		}
		s.mu.Unlock()
		if !exists {
			s.send(ctx, p, outFrame{Type: "error", Payload: map[string]string{"code": "room_not_found", "message": "room " + pl.RoomID}})
		}
	case "send_message":
		if _, ok := s.create(pl.RoomID, p.claims.sender(), pl.Text, pl.Type, pl.TempID); !ok {
			s.send(ctx, p, outFrame{Type: "error", Payload: map[string]string{"code": "room_not_found", "message": "room " + pl.RoomID}})
		}
	case "typing_start", "typing_stop":
		status := "typing"
		if f.Type == "typing_stop" {
			status = "online"
		}
		s.mu.Lock()
		targets := s.joinedLocked(pl.RoomID, p)
		s.mu.Unlock()
		s.broadcast(targets, outFrame{Type: "user_status_change", Payload: map[string]string{
			"roomId": pl.RoomID, "userId": p.claims.UserID, "status": status,
		}})
	case "ping":
		s.send(ctx, p, outFrame{Type: "pong", Payload: map[string]string{"requestId": f.RequestID}})
	default:
		s.send(ctx, p, outFrame{Type: "error", Payload: map[string]string{"code": "unknown_type", "message": f.Type}})
	}
}

// joinedLocked returns the peers joined to roomID, except skip. Callers
// hold s.mu.
func (s *Server) joinedLocked(roomID string, skip *peer) []*peer {
	var out []*peer
	for p := range s.peers {
		if p != skip && p.rooms[roomID] {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) broadcast(targets []*peer, f outFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range targets {
		s.send(ctx, p, f)
	}
}

func (s *Server) send(ctx context.Context, p *peer, f outFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := p.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("push write failed", zap.String("user_id", p.claims.UserID), zap.Error(err))
		return
	}
	s.frames.WithLabelValues("out", f.Type).Inc()
}
