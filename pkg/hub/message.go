// Package hub fans messages out to dashboard websocket clients. Each client
// has a bounded send buffer; a full buffer never blocks the broadcaster.
package hub

import "encoding/json"

// Kind is the websocket frame type a message is written as.
type Kind uint8

const (
	Text   Kind = iota // JSON documents
	Binary             // JPEG frames
)

// Message is one payload for clients.
type Message struct {
	Kind Kind
	Data []byte
}

// TextMessage wraps pre-encoded JSON.
func TextMessage(data []byte) Message {
	return Message{Kind: Text, Data: data}
}

// BinaryMessage wraps raw bytes such as a JPEG frame.
func BinaryMessage(data []byte) Message {
	return Message{Kind: Binary, Data: data}
}

// JSONMessage encodes v as a text message.
func JSONMessage(v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return TextMessage(data), nil
}
