package domain

type RoomID string
type PeerID string
type ConnectionID string
type WorkerID string
type TransportID string
type ProducerID string
type ConsumerID string
type UserID string

// MediaKind is the kind of a single media flow.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// Valid reports whether the kind is one of the supported media kinds.
func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}
