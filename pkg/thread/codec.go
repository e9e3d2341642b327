package thread

import (
	"encoding/json"
	"fmt"
)

// snapshotVersion is the current on-disk format.
const snapshotVersion = 1

type envelope struct {
	Version int     `json:"version"`
	Thread  *Thread `json:"thread"`
}

// Encode serializes a thread into a versioned snapshot.
func Encode(t *Thread) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot encode nil thread")
	}
	data, err := json.Marshal(envelope{Version: snapshotVersion, Thread: t})
	if err != nil {
		return nil, fmt.Errorf("failed to encode thread %s: %w", t.ID, err)
	}
	return data, nil
}

// Decode parses a snapshot written by Encode.
func Decode(data []byte) (*Thread, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSnapshot, env.Version)
	}
	if env.Thread == nil {
		return nil, fmt.Errorf("failed to decode snapshot: missing thread")
	}
	if env.Thread.Turns == nil {
		env.Thread.Turns = []Turn{}
	}
	return env.Thread, nil
}
