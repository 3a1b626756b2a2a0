package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/nerrad567/mqttbridge/internal/bridge"
	"github.com/nerrad567/mqttbridge/internal/correlator"
)

// Payload encodings accepted by handlePublish.
const (
	encodingText   = "text"
	encodingBase64 = "base64"
)

// ConnectionView is the JSON form of bridge.ConnectionInfo.
type ConnectionView struct {
	Identity  string   `json:"identity"`
	ServerURI string   `json:"server_uri"`
	ClientID  string   `json:"client_id"`
	State     string   `json:"state"`
	Connected bool     `json:"connected"`
	AckMode   string   `json:"ack_mode"`
	Buffered  int      `json:"buffered"`
	Filters   []string `json:"filters"`
}

// TokenView is the JSON form of a correlator token.
type TokenView struct {
	Handle uint64   `json:"handle"`
	Kind   string   `json:"kind"`
	Phase  string   `json:"phase"`
	Topics []string `json:"topics,omitempty"`
	QoS    byte     `json:"qos"`
	Error  string   `json:"error,omitempty"`
}

// PublishRequest is the body of POST /connections/{id}/publish.
type PublishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"encoding,omitempty"` // "text" (default) or "base64"
	QoS      byte   `json:"qos"`
	Retained bool   `json:"retained"`

	// Wait holds the response until the broker confirms delivery or the
	// operation timeout passes.
	Wait bool `json:"wait"`
}

// SubscribeRequest is the body of POST /connections/{id}/subscriptions.
type SubscribeRequest struct {
	Filters []FilterRequest `json:"filters"`
}

// FilterRequest is one topic filter of a SubscribeRequest.
type FilterRequest struct {
	Topic string `json:"topic"`
	QoS   byte   `json:"qos"`
}

// UnsubscribeRequest is the body of DELETE /connections/{id}/subscriptions.
type UnsubscribeRequest struct {
	Topics []string `json:"topics"`
}

// TraceRequest is the body of PUT /connections/{id}/trace.
type TraceRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) connectionView(info bridge.ConnectionInfo) ConnectionView {
	filters := info.Filters
	if filters == nil {
		filters = []string{}
	}
	return ConnectionView{
		Identity:  string(info.Identity),
		ServerURI: info.ServerURI,
		ClientID:  info.ClientID,
		State:     info.State.String(),
		Connected: s.bridge.IsConnected(info.Identity),
		AckMode:   info.AckMode.String(),
		Buffered:  info.Buffered,
		Filters:   filters,
	}
}

func newTokenView(tok *correlator.Token) TokenView {
	v := TokenView{
		Handle: uint64(tok.Handle()),
		Kind:   tok.Kind().String(),
		Phase:  tok.Phase().String(),
		Topics: tok.Topics(),
		QoS:    tok.QoS(),
	}
	if err := tok.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// handleListConnections returns every logical connection.
func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	conns := s.bridge.Connections()
	views := make([]ConnectionView, 0, len(conns))
	for _, info := range conns {
		views = append(views, s.connectionView(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": views, "count": len(views)})
}

// handleGetConnection returns one connection.
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r)
	for _, info := range s.bridge.Connections() {
		if info.Identity == id {
			writeJSON(w, http.StatusOK, s.connectionView(info))
			return
		}
	}
	writeNotFound(w, "connection not found")
}

// handleSetTrace toggles verbose logging of one connection.
func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	var req TraceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := s.bridge.SetTrace(identityFrom(r), req.Enabled); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace": req.Enabled})
}

// handlePublish publishes one message. While the connection is offline the
// message is buffered and the response reports the dispatched token.
//
// Responses:
//   - 202: accepted; the token is still in flight
//   - 200: delivered (wait=true)
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var payload []byte
	switch req.Encoding {
	case "", encodingText:
		payload = []byte(req.Payload)
	case encodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			writeBadRequest(w, "payload is not valid base64")
			return
		}
		payload = decoded
	default:
		writeBadRequest(w, "encoding must be text or base64")
		return
	}

	tok, err := s.bridge.Publish(r.Context(), identityFrom(r), req.Topic, payload, req.QoS, req.Retained, nil, nil)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, newTokenView(tok))
		return
	}
	if err := tok.WaitTimeout(s.opTimeout); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(tok))
}

// handleListPending returns the publishes not yet delivered, oldest first.
func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	toks, err := s.bridge.PendingDeliveryTokens(identityFrom(r))
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	views := make([]TokenView, 0, len(toks))
	for _, tok := range toks {
		views = append(views, newTokenView(tok))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": views, "count": len(views)})
}

// handleSubscribe subscribes to the given filters and waits for the broker.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Filters) == 0 {
		writeBadRequest(w, "at least one filter is required")
		return
	}

	filters := make([]bridge.TopicFilter, 0, len(req.Filters))
	for _, f := range req.Filters {
		filters = append(filters, bridge.TopicFilter{Topic: f.Topic, QoS: f.QoS})
	}

	tok, err := s.bridge.Subscribe(identityFrom(r), filters, nil, nil)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	if err := tok.WaitTimeout(s.opTimeout); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(tok))
}

// handleUnsubscribe removes subscriptions and waits for the broker.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Topics) == 0 {
		writeBadRequest(w, "at least one topic is required")
		return
	}

	tok, err := s.bridge.Unsubscribe(identityFrom(r), req.Topics, nil, nil)
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	if err := tok.WaitTimeout(s.opTimeout); err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenView(tok))
}
