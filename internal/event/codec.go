// ABOUTME: Kind-tagged JSON envelope encoding for events
// ABOUTME: Unmarshal dispatches on kind and rejects unknown variants

package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when decoding an envelope with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown event kind")

type envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Marshal encodes an event into its envelope form.
func Marshal(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("marshaling nil event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s event: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Kind: e.Kind(), Data: data})
}

// Unmarshal decodes an envelope produced by Marshal.
func Unmarshal(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	switch env.Kind {
	case KindMessage:
		return decode[Message](env)
	case KindAction:
		return decode[Action](env)
	case KindObservation:
		return decode[Observation](env)
	case KindAgentError:
		return decode[AgentError](env)
	case KindPause:
		return decode[Pause](env)
	case KindUserReject:
		return decode[UserReject](env)
	case KindStateSnapshot:
		return decode[StateSnapshot](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func decode[T Event](env envelope) (Event, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", env.Kind, err)
	}
	return v, nil
}
