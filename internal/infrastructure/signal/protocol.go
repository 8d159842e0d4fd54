package signal

import (
	"encoding/json"

	"voxhub/internal/core/domain"
)

// Request is one client frame. The id correlates the response; clients may
// pipeline requests and match answers out of order.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one request. Error is set only when Success is
// false.
type Response struct {
	ID      int64       `json:"id"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Notification is a server-initiated frame. It carries no id; clients tell
// the two frame shapes apart by the event field.
type Notification struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type joinRoomRequest struct {
	RoomID domain.RoomID `json:"roomId"`
	PeerID domain.PeerID `json:"peerId"`
}

type connectTransportRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	SDP         string             `json:"sdp"`
}

type produceRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	Kind        domain.MediaKind   `json:"kind"`
	MID         string             `json:"mid,omitempty"`
	TrackID     string             `json:"trackId,omitempty"`
	StreamID    string             `json:"streamId,omitempty"`
	MimeType    string             `json:"mimeType,omitempty"`
	AppData     domain.AppData     `json:"appData,omitempty"`
}

type consumeRequest struct {
	TransportID  domain.TransportID      `json:"transportId"`
	ProducerID   domain.ProducerID       `json:"producerId"`
	Capabilities domain.RTPCapabilities  `json:"rtpCapabilities"`
}

type producerRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type consumerRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type peerProducersRequest struct {
	PeerID domain.PeerID `json:"peerId"`
}

type chatRequest struct {
	Body string `json:"body"`
}

// Notification event names.
const (
	eventNewPeer         = "newPeer"
	eventPeerLeft        = "peerLeft"
	eventNewProducer     = "newProducer"
	eventProducerClosed  = "producerClosed"
	eventProducerPaused  = "producerPaused"
	eventProducerResumed = "producerResumed"
	eventRoomClosed      = "roomClosed"
	eventChatMessage     = "chatMessage"
)
