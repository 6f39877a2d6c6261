package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidMessage = errors.New("invalid message")

func ParseMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &msg, nil
}
