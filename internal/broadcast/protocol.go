package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/sandscape/internal/heightfield"
)

// MessageType is the "type" field of every wire message.
type MessageType string

const (
	TypeWelcome        MessageType = "WELCOME"
	TypeSubscribe      MessageType = "SUBSCRIBE"
	TypeUnsubscribe    MessageType = "UNSUBSCRIBE"
	TypeFrame          MessageType = "FRAME"
	TypeTopography     MessageType = "TOPOGRAPHY_METADATA"
	TypeCalibrate      MessageType = "CALIBRATE_REQUEST"
	TypeCalibrateAck   MessageType = "CALIBRATE_ACK"
	TypeCalibrateError MessageType = "CALIBRATE_ERROR"
	TypeEdit           MessageType = "EDIT"
	TypeAck            MessageType = "ACK"
	TypePing           MessageType = "PING"
	TypePong           MessageType = "PONG"
	TypeGetFrame       MessageType = "GET_FRAME"
	TypeError          MessageType = "ERROR"
)

// Topic names a droppable broadcast stream a session can subscribe to.
type Topic string

const (
	TopicFrames     Topic = "frames"
	TopicTopography Topic = "topography"
)

// ParseTopic validates a topic name.
func ParseTopic(s string) (Topic, error) {
	switch t := Topic(s); t {
	case TopicFrames, TopicTopography:
		return t, nil
	}
	return "", fmt.Errorf("unknown topic %q", s)
}

// Error kinds carried in ERROR messages.
const (
	KindMalformed = "malformed_command"
	KindBusy      = "busy"
	KindOverflow  = "session_overflow"
)

var (
	// ErrMalformedCommand is returned for inbound messages that do not parse
	// or fail validation.
	ErrMalformedCommand = errors.New("malformed command")
	// ErrSessionOverflow is the close reason of a session that could not
	// keep up.
	ErrSessionOverflow = errors.New("session overflow")
	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// ClientMessage is any client-to-server message. Fields not used by a type
// are ignored.
type ClientMessage struct {
	Type MessageType `json:"type"`

	Topics []string `json:"topics,omitempty"`

	SensorID string `json:"sensorId,omitempty"`

	Tool     string   `json:"tool,omitempty"`
	X        *int     `json:"x,omitempty"`
	Y        *int     `json:"y,omitempty"`
	Radius   int      `json:"radius,omitempty"`
	Strength *float64 `json:"strength,omitempty"`
	Material string   `json:"material,omitempty"`

	Sequence  uint64 `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// WelcomeMessage is the first message on every session.
type WelcomeMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Width     int         `json:"width"`
	Height    int         `json:"height"`
	Sensors   []string    `json:"sensors"`
	TickRate  float64     `json:"tickRate"`
}

// FrameMessage carries a full snapshot. Elevation, water and fire are
// row-major Width*Height arrays.
type FrameMessage struct {
	Type       MessageType `json:"type"`
	Sequence   uint64      `json:"sequence"`
	Tick       uint64      `json:"tick"`
	Timestamp  int64       `json:"timestamp"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Elevation  []float32   `json:"elevation"`
	Water      []float32   `json:"water"`
	Fire       []float32   `json:"fire"`
	StaleCells int         `json:"staleCells"`
}

// TopographyMessage wraps a topography summary.
type TopographyMessage struct {
	Type MessageType `json:"type"`
	heightfield.Summary
}

// CalibrationMessage answers a CALIBRATE_REQUEST.
type CalibrationMessage struct {
	Type     MessageType `json:"type"`
	SensorID string      `json:"sensorId"`
	Status   string      `json:"status"`
	Reason   string      `json:"reason,omitempty"`
}

// ErrorMessage reports a problem to one session.
type ErrorMessage struct {
	Type   MessageType `json:"type"`
	Kind   string      `json:"kind"`
	Detail string      `json:"detail"`
}

// PongMessage answers a PING, echoing its timestamp.
type PongMessage struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// NewFrameMessage converts a snapshot to its wire form.
func NewFrameMessage(s *heightfield.Snapshot) FrameMessage {
	return FrameMessage{
		Type:       TypeFrame,
		Sequence:   s.Sequence,
		Tick:       s.Tick,
		Timestamp:  s.Timestamp.UnixNano(),
		Width:      s.Width,
		Height:     s.Height,
		Elevation:  s.Elevation,
		Water:      s.Water,
		Fire:       s.Fire,
		StaleCells: s.StaleCells,
	}
}

// ParseClientMessage decodes one inbound message. Errors wrap
// ErrMalformedCommand.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if m.Type == "" {
		return m, fmt.Errorf("%w: missing type", ErrMalformedCommand)
	}
	return m, nil
}

// Edit converts an EDIT message into a grid edit. Bounds are checked by the
// caller against the grid.
func (m ClientMessage) Edit() (heightfield.Edit, error) {
	tool, err := heightfield.ParseTool(m.Tool)
	if err != nil {
		return heightfield.Edit{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if m.X == nil || m.Y == nil || m.Strength == nil {
		return heightfield.Edit{}, fmt.Errorf("%w: edit needs x, y and strength", ErrMalformedCommand)
	}
	e := heightfield.Edit{Tool: tool, X: *m.X, Y: *m.Y, Radius: m.Radius, Strength: *m.Strength}
	if tool == heightfield.ToolMaterial {
		mat, err := heightfield.ParseMaterial(m.Material)
		if err != nil {
			return heightfield.Edit{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		e.Material = mat
	}
	return e, nil
}
