package domain

import "time"

// ProducerInfo is one entry of a room's canonical producer registry.
type ProducerInfo struct {
	ShardID       ShardID       `json:"shardId"`
	ProducerID    ProducerID    `json:"producerId"`
	ParticipantID ParticipantID `json:"participantId"`
	UserID        UserID        `json:"userId"`
	Kind          MediaKind     `json:"kind"`
	MediaType     MediaType     `json:"mediaType"`
	Remote        bool          `json:"remote,omitempty"`
}

// ParticipantExtra is client metadata carried along with a participant.
type ParticipantExtra struct {
	PublicName string `json:"publicName,omitempty"`
	Avatar     string `json:"avatar,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
}

type ParticipantSummary struct {
	ParticipantID ParticipantID    `json:"participantId"`
	UserID        UserID           `json:"userId"`
	ShardID       ShardID          `json:"shardId"`
	Extra         ParticipantExtra `json:"extra"`
}

const ChatHistorySize = 20

type ChatMessage struct {
	UserID UserID           `json:"userId"`
	Text   string           `json:"text"`
	Extra  ParticipantExtra `json:"extra"`
	Time   string           `json:"time"` // HH:MM:SS
}

const ChatTimeLayout = "15:04:05"

func NewChatMessage(userID UserID, text string, extra ParticipantExtra, at time.Time) ChatMessage {
	return ChatMessage{
		UserID: userID,
		Text:   text,
		Extra:  extra,
		Time:   at.Format(ChatTimeLayout),
	}
}

type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID UserID `json:"userId"`
	Name   string `json:"name"`
}

var allowedReactions = map[string]struct{}{
	"👍": {},
	"👏": {},
	"✋": {},
	"👎": {},
}

func IsAllowedReaction(emoji string) bool {
	_, ok := allowedReactions[emoji]
	return ok
}

// Person is a participant together with what it publishes.
type Person struct {
	ParticipantSummary
	Produce []ProducedMedia `json:"produce"`
}

type ProducedMedia struct {
	MediaType  MediaType  `json:"mediaType"`
	ProducerID ProducerID `json:"producerId"`
}

type ShardSummary struct {
	ID         ShardID      `json:"id"`
	WorkerID   WorkerID     `json:"workerId"`
	TotalPeers int          `json:"totalPeers"`
	Piped      []ProducerID `json:"piped"`
}

type PipeSummary struct {
	Destination Destination  `json:"destination"`
	ShardID     ShardID      `json:"shardId"`
	TransportID TransportID  `json:"transportId"`
	Producers   []ProducerID `json:"producers"`
}

type RoomInfo struct {
	ID        RoomID         `json:"id"`
	Shards    []ShardSummary `json:"shards"`
	Persons   []Person       `json:"persons"`
	Producers []ProducerInfo `json:"producers"`
	Pipes     []PipeSummary  `json:"pipes"`
}

// RoomSnapshot is the operator-facing mirror of a room kept in the room store.
type RoomSnapshot struct {
	ID           RoomID    `json:"id"`
	Shards       int       `json:"shards"`
	Participants int       `json:"participants"`
	Producers    int       `json:"producers"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
