package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"quiz-battle-service/internal/app"
	"quiz-battle-service/internal/domain"
)

// WSHandler wires client websocket connections into the battle use cases.
// Each connection owns one MatchSession: answers flow inbound, match state
// and question views flow outbound.
type WSHandler struct {
	service  *app.BattleService
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.BattleService, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		service: service,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Option int `json:"option"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type createMatchRequest struct {
	CreatorID  string   `json:"creatorId"`
	OpponentID string   `json:"opponentId"`
	Subjects   []string `json:"subjects"`
	GradeLevel int      `json:"gradeLevel"`
}

// CreateMatch is the plain HTTP entry point for starting a new battle.
func (h *WSHandler) CreateMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := h.service.CreateMatch(r.Context(), req.CreatorID, req.OpponentID, req.Subjects, req.GradeLevel)
	if err != nil {
		var unavailable domain.ContentUnavailableError
		if errors.As(err, &unavailable) {
			http.Error(w, unavailable.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m)
}

// ServeWS upgrades the request and runs one participant's battle session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("matchId")
	userID := r.URL.Query().Get("userId")
	if matchID == "" || userID == "" {
		http.Error(w, "missing matchId or userId", http.StatusBadRequest)
		return
	}

	sess, err := h.service.OpenMatch(r.Context(), matchID, userID)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, domain.ErrMatchNotFound):
			status = http.StatusNotFound
		case errors.Is(err, domain.ErrNotParticipant):
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	defer sess.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	pumpDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("ws write error", zap.Error(err))
				return
			}
		}
	}()

	// Pump live-sync updates and the completion signal to the client.
	go func() {
		defer close(pumpDone)
		for {
			select {
			case update, ok := <-sess.Updates():
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "state", Payload: update}:
				case <-closeSignals:
					return
				}
			case <-sess.Done():
				rec, err := sess.Snapshot(context.Background())
				if err == nil {
					select {
					case send <- outboundMessage[any]{Type: "matchOver", Payload: rec}:
					case <-closeSignals:
					}
				}
				return
			case <-closeSignals:
				return
			}
		}
	}()

	if rec, err := sess.Snapshot(r.Context()); err == nil {
		send <- outboundMessage[any]{Type: "state", Payload: rec}
	}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "start":
			view, err := sess.StartUnit()
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
			send <- outboundMessage[any]{Type: "question", Payload: view}
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}}
				continue
			}
			outcome, err := sess.Answer(payload.Option)
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
			send <- outboundMessage[any]{Type: "answerResult", Payload: outcome}
			if !outcome.UnitComplete {
				if view, err := sess.CurrentQuestion(); err == nil {
					send <- outboundMessage[any]{Type: "question", Payload: view}
				}
			}
		case "quit":
			rec, err := sess.Quit(r.Context())
			if err != nil {
				send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: err.Error()}}
				continue
			}
			send <- outboundMessage[any]{Type: "state", Payload: rec}
		default:
			send <- outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}}
		}
	}

	close(closeSignals)
	<-pumpDone
	close(send)
	<-writerDone
}
