package domain

import "time"

// Codec describes one media format a router can route.
type Codec struct {
	Kind      MediaKind `json:"kind"`
	MimeType  string    `json:"mimeType"`
	ClockRate uint32    `json:"clockRate"`
	Channels  uint16    `json:"channels,omitempty"`
}

// RTPCapabilities is the set of formats an endpoint (router or client) can
// handle. Compatibility checks are mime-type level; negotiation internals are
// the media engine's concern.
type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// DefaultCodecs is the codec set room routers are created with unless
// configured otherwise.
func DefaultCodecs() []Codec {
	return []Codec{
		{Kind: MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
		{Kind: MediaKindVideo, MimeType: "video/VP9", ClockRate: 90000},
		{Kind: MediaKindVideo, MimeType: "video/H264", ClockRate: 90000},
	}
}

// CanReceive reports whether the capabilities include a codec with the given
// mime type.
func (c RTPCapabilities) CanReceive(mimeType string) bool {
	for _, codec := range c.Codecs {
		if codec.MimeType == mimeType {
			return true
		}
	}
	return false
}

// ICEServer mirrors the STUN/TURN configuration handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TransportInfo is the connection material the client needs to complete the
// transport handshake out-of-band: the server's session description plus the
// ICE configuration.
type TransportInfo struct {
	ID         TransportID `json:"id"`
	SDP        string      `json:"sdp"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// SecurityParameters carries the client's half of the transport handshake.
type SecurityParameters struct {
	SDP string `json:"sdp"`
}

// FlowParameters identifies one media flow within a connected transport.
// MID/TrackID bind a produce request to the track the client added; for a
// consumer they describe the forwarding track created server-side.
type FlowParameters struct {
	MID      string `json:"mid,omitempty"`
	TrackID  string `json:"trackId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// AppData is opaque application metadata attached to a producer. The session
// layer always injects the originating peer id under "peerId".
type AppData map[string]interface{}

// ProducerSummary is the discovery projection of a producer, enough for a
// remote peer to decide whether to consume it.
type ProducerSummary struct {
	ProducerID ProducerID `json:"producerId"`
	PeerID     PeerID     `json:"peerId"`
	Kind       MediaKind  `json:"kind"`
	AppData    AppData    `json:"appData,omitempty"`
}

// ConsumerInfo is returned from a successful consume request.
type ConsumerInfo struct {
	ID             ConsumerID     `json:"id"`
	ProducerID     ProducerID     `json:"producerId"`
	ProducerPeerID PeerID         `json:"producerPeerId"`
	Kind           MediaKind      `json:"kind"`
	FlowParameters FlowParameters `json:"flowParameters"`
	AppData        AppData        `json:"appData,omitempty"`
}

// RoomStats is the per-room slice of the stats projection.
type RoomStats struct {
	ID        RoomID   `json:"id"`
	WorkerID  WorkerID `json:"workerId"`
	PeerCount int      `json:"peerCount"`
}

// HubStats is the process-wide stats projection. Informational only.
type HubStats struct {
	Workers int         `json:"workers"`
	Rooms   int         `json:"rooms"`
	Peers   int         `json:"peers"`
	Details []RoomStats `json:"roomDetails"`
}

// InstanceSnapshot is one hub instance's stats as published to the presence
// store for cluster-wide visibility.
type InstanceSnapshot struct {
	InstanceID string    `json:"instanceId"`
	Stats      HubStats  `json:"stats"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChatMessage is relayed to room members over the signaling channel.
// Persistence is an external collaborator's job.
type ChatMessage struct {
	RoomID RoomID    `json:"roomId"`
	PeerID PeerID    `json:"peerId"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}
