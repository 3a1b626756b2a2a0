package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/mqttbridge/internal/outbox"
)

// PolicyView is the JSON form of outbox.Policy.
type PolicyView struct {
	Enabled            bool `json:"enabled"`
	Capacity           int  `json:"capacity"`
	PersistOnDisk      bool `json:"persist_on_disk"`
	DropOldestWhenFull bool `json:"drop_oldest_when_full"`
}

// BufferedView is the JSON form of one buffered publish.
type BufferedView struct {
	Index      int    `json:"index"`
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	QoS        byte   `json:"qos"`
	Retained   bool   `json:"retained"`
	Handle     uint64 `json:"handle,omitempty"`
	EnqueuedAt string `json:"enqueued_at"`
}

func newPolicyView(p outbox.Policy) PolicyView {
	return PolicyView{
		Enabled:            p.Enabled,
		Capacity:           p.Capacity,
		PersistOnDisk:      p.PersistOnDisk,
		DropOldestWhenFull: p.DropOldestWhenFull,
	}
}

func newBufferedView(index int, m outbox.Message) BufferedView {
	return BufferedView{
		Index:      index,
		Topic:      m.Topic,
		Payload:    m.Payload,
		QoS:        m.QoS,
		Retained:   m.Retained,
		Handle:     m.Handle,
		EnqueuedAt: m.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleGetBuffer returns the buffer policy and the buffered publishes,
// oldest first.
func (s *Server) handleGetBuffer(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)

	policy, err := s.bridge.BufferPolicy(id)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	count, err := s.bridge.BufferedCount(id)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}

	views := make([]BufferedView, 0, count)
	for i := range count {
		m, err := s.bridge.BufferedMessage(id, i)
		if errors.Is(err, outbox.ErrIndexOutOfRange) {
			// Flushed while listing.
			break
		}
		if err != nil {
			s.writeBridgeError(w, err)
			return
		}
		views = append(views, newBufferedView(i, m))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policy":   newPolicyView(policy),
		"count":    len(views),
		"messages": views,
	})
}

// handleSetBufferPolicy replaces the buffer policy of the connection.
func (s *Server) handleSetBufferPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyView
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Capacity < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "capacity must not be negative")
		return
	}

	policy := outbox.Policy{
		Enabled:            req.Enabled,
		Capacity:           req.Capacity,
		PersistOnDisk:      req.PersistOnDisk,
		DropOldestWhenFull: req.DropOldestWhenFull,
	}
	if err := s.bridge.SetBufferPolicy(identityFrom(r), policy); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPolicyView(policy))
}

// handleDeleteBuffered removes one buffered publish by index, 0 being the
// oldest. Its publish token fails.
func (s *Server) handleDeleteBuffered(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeBadRequest(w, "index must be a non-negative integer")
		return
	}

	m, err := s.bridge.DeleteBufferedMessage(r.Context(), identityFrom(r), index)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newBufferedView(index, m))
}
