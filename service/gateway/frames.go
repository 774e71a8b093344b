package gateway

import (
	"encoding/json"

	"github.com/siddharth-movaliya/os-chat/tools/errs"
)

// Frame is the client->server wire envelope. Data stays generic here;
// each handler decodes it into its fixed payload schema before acting.
type Frame struct {
	ID    uint64         `json:"id,omitempty"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// outFrame is the server->client envelope.
type outFrame struct {
	ID    uint64 `json:"id,omitempty"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// AckData is the result delivered back for an acknowledged client event.
type AckData struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrBadPayload.WithDetail(err.Error())
	}
	if f.Event == "" {
		return nil, errs.ErrBadPayload.WithDetail("frame has no event")
	}
	return &f, nil
}

func BuildAck(id uint64, err error) []byte {
	ack := AckData{Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	buf, _ := json.Marshal(outFrame{ID: id, Event: "ack", Data: ack})
	return buf
}

func BuildEvent(event string, data any) []byte {
	buf, _ := json.Marshal(outFrame{Event: event, Data: data})
	return buf
}

// BuildEventRaw wraps already-encoded payload bytes (as they arrive from
// the fan-out bus) without re-marshalling them.
func BuildEventRaw(event string, data []byte) []byte {
	buf, _ := json.Marshal(outFrame{Event: event, Data: json.RawMessage(data)})
	return buf
}
