package service

import (
	"encoding/json"
	"time"

	"github.com/crystal-devs/rc-realtime/internal/model"
)

func encodeEnvelope(msgType, eventID string, data any, at time.Time) ([]byte, error) {
	return json.Marshal(model.Envelope{Type: msgType, EventID: eventID, Data: data, Timestamp: at})
}
