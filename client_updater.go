package digidaq

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest acquisition state on a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
)

// ClientUpdate carries one message to be published on the status port. Tag
// is the ZMQ topic; State is JSON-encoded as the message body.
type ClientUpdate struct {
	Tag   string
	State any
}

// encode returns the two message frames of an update.
func (u ClientUpdate) encode() ([]byte, []byte, error) {
	body, err := json.Marshal(u.State)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s update: %w", u.Tag, err)
	}
	return []byte(u.Tag), body, nil
}

// RunClientUpdater forwards every message from updates to a ZMQ publisher
// socket on portstatus until updates is closed.
func RunClientUpdater(updates <-chan ClientUpdate, portstatus int) error {
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("binding status socket %s: %w", hostname, err)
	}

	for update := range updates {
		tag, body, err := update.encode()
		if err != nil {
			ProblemLogger.Print(err)
			continue
		}
		if _, err := pubSocket.SendMessage(tag, body); err != nil {
			ProblemLogger.Printf("Could not publish %s update: %v", update.Tag, err)
		}
	}
	return nil
}
