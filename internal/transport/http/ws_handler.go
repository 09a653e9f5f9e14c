package http

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"competition-engine/internal/cache"
	"competition-engine/internal/gateway"
	"competition-engine/internal/session"
)

// Deps wires a WSHandler. Store and Notifier are shared across
// connections; everything session-scoped is built per connection.
type Deps struct {
	Store        gateway.Store
	Notifier     gateway.Notifier
	CacheDir     string
	Clock        clockwork.Clock
	Session      session.Config
	PushInterval time.Duration
	Log          zerolog.Logger
}

// WSHandler exposes the competition session over a websocket: one
// connection is one device. Inbound messages select answers; outbound
// messages stream phase, countdown and, at the end, the results
// snapshot.
type WSHandler struct {
	deps     Deps
	upgrader websocket.Upgrader
}

func NewWSHandler(deps Deps) *WSHandler {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.PushInterval <= 0 {
		deps.PushInterval = 100 * time.Millisecond
	}
	return &WSHandler{
		deps: deps,
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
	AnswerID string `json:"answerId"`
}

type optionView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type statePayload struct {
	Phase        session.Phase `json:"phase"`
	QuestionID   string        `json:"questionId,omitempty"`
	QuestionText string        `json:"questionText,omitempty"`
	Position     int           `json:"position"`
	Options      []optionView  `json:"options,omitempty"`
	Remaining    int           `json:"remaining"`
	Score        int           `json:"score"`
	PendingSync  int           `json:"pendingSync"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and runs one competition session for
// the lifetime of the connection.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	competitionID := r.URL.Query().Get("competitionId")
	userID := r.URL.Query().Get("userId")
	if competitionID == "" || userID == "" {
		http.Error(w, "missing competitionId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	gw := gateway.New(h.deps.Store, h.deps.Notifier, h.deps.Log)
	defer gw.Cleanup()

	store, err := cache.Open(filepath.Join(h.deps.CacheDir, competitionID+"-"+userID+".db"), gw, h.deps.Log)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	defer store.Close()

	ctrl := session.New(gw, store, h.deps.Clock, h.deps.Log, h.deps.Session)
	defer ctrl.Dispose()
	if err := ctrl.Start(r.Context(), competitionID, userID); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	pumpDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.deps.Log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	go h.pump(ctrl, send, closeSignals, pumpDone)

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.AnswerID == "" {
				h.trySend(send, closeSignals, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "invalid answer payload"}})
				continue
			}
			ctrl.SelectAnswer(payload.AnswerID)
		default:
			h.trySend(send, closeSignals, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: "unsupported message type"}})
		}
	}

	close(closeSignals)
	<-pumpDone
	close(send)
	<-writerDone
}

// pump polls the controller and pushes a state message whenever
// something observable changed, ending with the results snapshot.
func (h *WSHandler) pump(ctrl *session.Controller, send chan<- outboundMessage[any], closeSignals <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.deps.PushInterval)
	defer ticker.Stop()

	var last statePayload
	sent := false
	for {
		select {
		case <-closeSignals:
			return
		case <-ticker.C:
		}

		state := h.snapshot(ctrl)
		if !sent || !statesEqual(state, last) {
			if !h.trySend(send, closeSignals, outboundMessage[any]{Type: "state", Payload: state}) {
				return
			}
			last, sent = state, true
		}

		switch state.Phase {
		case session.PhaseDone:
			if results, err := ctrl.Results(); err == nil {
				h.trySend(send, closeSignals, outboundMessage[any]{Type: "results", Payload: results})
			}
			return
		case session.PhaseFailed:
			msg := "session failed"
			if err := ctrl.Err(); err != nil {
				msg = err.Error()
			}
			h.trySend(send, closeSignals, outboundMessage[any]{Type: "error", Payload: errorPayload{Message: msg}})
			return
		}
	}
}

func (h *WSHandler) snapshot(ctrl *session.Controller) statePayload {
	state := statePayload{
		Phase:       ctrl.Phase(),
		Remaining:   ctrl.RemainingSeconds(),
		Score:       ctrl.Score(),
		PendingSync: ctrl.PendingSyncCount(),
		Position:    -1,
	}
	question, ok := ctrl.CurrentQuestion()
	if !ok {
		return state
	}
	state.QuestionID = question.ID
	state.QuestionText = question.Text
	state.Position = question.Position
	for _, opt := range ctrl.CurrentOptions() {
		// Correctness stays server-side.
		state.Options = append(state.Options, optionView{ID: opt.ID, Text: opt.Text})
	}
	return state
}

func (h *WSHandler) trySend(send chan<- outboundMessage[any], closeSignals <-chan struct{}, msg outboundMessage[any]) bool {
	select {
	case send <- msg:
		return true
	case <-closeSignals:
		return false
	}
}

func statesEqual(a, b statePayload) bool {
	if a.Phase != b.Phase || a.QuestionID != b.QuestionID || a.Remaining != b.Remaining ||
		a.Score != b.Score || a.PendingSync != b.PendingSync {
		return false
	}
	return len(a.Options) == len(b.Options)
}
