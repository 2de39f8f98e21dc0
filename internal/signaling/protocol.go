package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

type messageType string

const (
	// Client to server.
	messageTypeSignal    messageType = "signal"
	messageTypeKeepAlive messageType = "keepAlive"

	// Server to client.
	messageTypeIDAssigned messageType = "idAssigned"
	messageTypeNewPeer    messageType = "newPeer"
	messageTypePeerLeft   messageType = "peerLeft"
)

// request is one inbound frame from a peer. The Data field is an opaque
// payload (typically an SDP offer/answer or ICE candidate blob); the relay
// never inspects it.
type request struct {
	Type messageType `json:"type"`
	To   uuid.UUID   `json:"to,omitempty"`
	Data string      `json:"data,omitempty"`
}

// event is one outbound frame to a peer. Identity fields are serialized as
// uuid strings.
type event struct {
	Type messageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	From string      `json:"from,omitempty"`
	Data string      `json:"data,omitempty"`
}

func newPeerEvent(id uuid.UUID) event {
	return event{Type: messageTypeNewPeer, ID: id.String()}
}

func peerLeftEvent(id uuid.UUID) event {
	return event{Type: messageTypePeerLeft, ID: id.String()}
}

func idAssignedEvent(id uuid.UUID) event {
	return event{Type: messageTypeIDAssigned, ID: id.String()}
}

func signalEvent(from uuid.UUID, data string) event {
	return event{Type: messageTypeSignal, From: from.String(), Data: data}
}

// parseRequest decodes and validates one inbound text frame. Any error it
// returns is a recoverable protocol error: the offending frame is dropped
// and the connection keeps running.
func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	if err := req.validate(); err != nil {
		return request{}, err
	}
	return req, nil
}

func (r request) validate() error {
	switch r.Type {
	case messageTypeSignal:
		if r.To == uuid.Nil {
			return fmt.Errorf("signal request missing recipient")
		}
	case messageTypeKeepAlive:
		if r.To != uuid.Nil || r.Data != "" {
			return fmt.Errorf("keepAlive request has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported request type %q", r.Type)
	}
	return nil
}
