package types

import "time"

// InMessage is a raw message as delivered by the MQTT broker. It only lives
// for the duration of one handling step.
type InMessage struct {
	// Topic is the broker topic the message arrived on.
	Topic string
	// Payload is a copy of the raw byte content of the message.
	Payload []byte
	// MessageID is the broker packet identifier, for logging only.
	MessageID string
	// ArrivedAt is when the session received the message.
	ArrivedAt time.Time
}
