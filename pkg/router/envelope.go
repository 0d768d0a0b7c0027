package router

import (
	"encoding/json"

	"github.com/pestras/micro/pkg/errors"
)

// Target selects which workers receive an envelope
type Target string

const (
	// TargetAll delivers to every worker, the sender included
	TargetAll Target = "all"

	// TargetOthers delivers to every worker except the sender
	TargetOthers Target = "others"
)

// Reserved message names
const (
	// MessagePublish is reserved for internal bookkeeping and never dispatched
	MessagePublish = "publish"

	// MessageRestart makes the supervisor respawn the sending worker
	MessageRestart = "restart"

	// MessageRestartAll makes the supervisor cycle every worker
	MessageRestartAll = "restart all"
)

// Envelope is the unit exchanged between worker processes
type Envelope struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Target  Target          `json:"target"`

	// From is the sending worker ID, stamped by the supervisor. Zero means
	// the envelope did not pass through a supervisor.
	From int `json:"from,omitempty"`
}

// NewEnvelope marshals data into a new envelope. An empty target means TargetAll.
func NewEnvelope(message string, data interface{}, target Target) (Envelope, error) {
	if message == "" {
		return Envelope{}, errors.NewValidationError("message name cannot be empty", nil)
	}

	if target == "" {
		target = TargetAll
	}
	if target != TargetAll && target != TargetOthers {
		return Envelope{}, errors.NewValidationError("invalid message target", nil).WithContext("target", target)
	}

	env := Envelope{Message: message, Target: target}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, errors.NewMessageError("failed to encode message data", err).WithContext("message", message)
		}
		env.Data = raw
	}
	return env, nil
}

// Decode unmarshals the envelope data into v
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.NewMessageError("failed to decode message data", err).WithContext("message", e.Message)
	}
	return nil
}
