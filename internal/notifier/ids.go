package notifier

import (
	"encoding/json"

	"github.com/google/uuid"
)

func newSessionID() string {
	return uuid.New().String()
}

func decodeClientMessage(raw []byte, msg *ClientMessage) error {
	return json.Unmarshal(raw, msg)
}
