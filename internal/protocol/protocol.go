package protocol

import "encoding/json"

const Version = "1.0"

// HeaderVersion carries Version on every HTTP response and request.
const HeaderVersion = "X-Hexclaim-Protocol"

// BaseMessage lets the change-feed reader reject frames of an unknown shape
// before decoding them fully.
type BaseMessage struct {
	Table string `json:"table"`
	Event string `json:"event"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
