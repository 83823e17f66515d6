package distribute

import (
	"encoding/json"
	"fmt"

	"graphforge/internal/tensor"
)

// Path is the websocket path a parameter server listens on.
const Path = "/pserver"

// MsgType names an envelope.
type MsgType string

const (
	// MsgPull asks for the current shard values.
	MsgPull MsgType = "pull"
	// MsgPush carries one step of gradients and waits for the update.
	MsgPush MsgType = "push"
	// MsgParams answers pull and push with shard values.
	MsgParams MsgType = "params"
	MsgError  MsgType = "error"
)

// Envelope is the JSON frame exchanged on the websocket.
type Envelope struct {
	Type    MsgType         `json:"type"`
	Trainer int             `json:"trainer"`
	Step    int64           `json:"step"`
	Session string          `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Blob is a float tensor on the wire.
type Blob struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func encodeTensors(ts map[string]*tensor.Tensor) (json.RawMessage, error) {
	blobs := make(map[string]Blob, len(ts))
	for name, t := range ts {
		blobs[name] = Blob{Shape: t.Shape, Data: t.Float}
	}
	raw, err := json.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("distribute: encode tensors: %w", err)
	}
	return raw, nil
}

func decodeTensors(raw json.RawMessage) (map[string]*tensor.Tensor, error) {
	var blobs map[string]Blob
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &blobs); err != nil {
			return nil, fmt.Errorf("distribute: decode tensors: %w", err)
		}
	}
	out := make(map[string]*tensor.Tensor, len(blobs))
	for name, b := range blobs {
		t, err := tensor.FromFloats(b.Shape, b.Data)
		if err != nil {
			return nil, fmt.Errorf("distribute: %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

func errorEnvelope(step int64, err error) Envelope {
	raw, _ := json.Marshal(errorPayload{Message: err.Error()})
	return Envelope{Type: MsgError, Step: step, Payload: raw}
}

func remoteError(env Envelope) error {
	var p errorPayload
	_ = json.Unmarshal(env.Payload, &p)
	return fmt.Errorf("distribute: server error at step %d: %s", env.Step, p.Message)
}
