// Package logpipe moves build output from build agents through the durable
// queue into the log store and out to live subscribers.
package logpipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/queue"
)

// ErrMalformed is returned for queue payloads that cannot be decoded into a
// log message.
var ErrMalformed = errors.New("malformed log message")

// eventNamespace seeds event ids derived from queue positions.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("shipyard/log-events"))

// Encode serializes a log message for the queue.
func Encode(msg *models.LogMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding log message: %w", err)
	}
	return data, nil
}

// Decode parses a queue payload. Payloads without a deployment id, or with
// an unknown status, are malformed.
func Decode(data []byte) (*models.LogMessage, error) {
	var msg models.LogMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if msg.DeploymentID == "" {
		return nil, fmt.Errorf("%w: missing deploymentId", ErrMalformed)
	}
	if msg.Status != "" && !msg.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, msg.Status)
	}
	return &msg, nil
}

// EventID returns the message's own event id, or one derived
// deterministically from the queue position so redeliveries of the same
// entry collapse onto one row.
func EventID(msg *models.LogMessage, m queue.Message) string {
	if msg.EventID != "" {
		return msg.EventID
	}
	return uuid.NewSHA1(eventNamespace, []byte(m.Ref())).String()
}

// ToEvent converts a decoded queue message into a storable log event. NUL
// bytes are dropped from the line since Postgres text columns reject them.
func ToEvent(msg *models.LogMessage, m queue.Message, now time.Time) *models.LogEvent {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return &models.LogEvent{
		EventID:      EventID(msg, m),
		DeploymentID: msg.DeploymentID,
		ProjectID:    msg.ProjectID,
		Message:      strings.ReplaceAll(msg.Log, "\x00", ""),
		Timestamp:    ts.UTC(),
		Sequence:     msg.Sequence,
	}
}
