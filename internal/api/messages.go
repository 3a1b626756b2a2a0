package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttbridge/internal/arrival"
)

// maxMessageIDLen bounds the message ID path parameter.
const maxMessageIDLen = 100

// MessageView is the JSON form of a stored inbound message. The payload is
// base64 encoded.
type MessageView struct {
	ID        string `json:"id"`
	Identity  string `json:"identity"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
	QoS       byte   `json:"qos"`
	Retained  bool   `json:"retained"`
	Duplicate bool   `json:"duplicate"`
	ArrivedAt string `json:"arrived_at"`
}

func newMessageView(msg arrival.Message) MessageView {
	return MessageView{
		ID:        msg.ID,
		Identity:  msg.Connection,
		Topic:     msg.Topic,
		Payload:   msg.Payload,
		QoS:       msg.QoS,
		Retained:  msg.Retained,
		Duplicate: msg.Duplicate,
		ArrivedAt: msg.ArrivedAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleListMessages returns the stored, unacknowledged messages in
// arrival order.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.bridge.Messages(r.Context(), identityFrom(r))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": views, "count": len(views)})
}

// handleClearMessages deletes every stored message of the connection.
func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	n, err := s.bridge.ClearMessages(r.Context(), identityFrom(r))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// handleRedeliver replays the stored messages to the connection listener.
func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.Redeliver(identityFrom(r)); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"redelivering": true})
}

// handleAckMessage acknowledges one stored message.
func (s *Server) handleAckMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID == "" || len(messageID) > maxMessageIDLen {
		writeBadRequest(w, "invalid message ID")
		return
	}
	if !s.bridge.Acknowledge(r.Context(), identityFrom(r), messageID) {
		writeNotFound(w, "message not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": messageID})
}
