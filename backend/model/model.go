package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadRoomID        = errors.New("malformed room id")
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrBadEvent         = errors.New("malformed event")
	ErrBadSignal        = errors.New("signal must carry exactly one of bind, tick, disconnect")
)

type (
	// RoomID identifies a voice session. It is the only key shared by
	// trackers, the registry and websocket subscribers.
	RoomID uint64

	// ParticipantID is stable for the lifetime of a room.
	ParticipantID uint64

	// SourceTag is assigned by the voice layer to a media source and is not
	// stable across reconnects.
	SourceTag uint32
)

func ParseRoomID(s string) (RoomID, error) {
	s = strings.Trim(s, "/")
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Join(ErrBadRoomID, err)
	}
	return RoomID(id), nil
}

func (id RoomID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventSpeaking
	EventQuiet
	EventDisconnected
	EventHeartbeat
)

var eventKindNames = map[EventKind]string{
	EventConnected:    "connected",
	EventSpeaking:     "speaking",
	EventQuiet:        "quiet",
	EventDisconnected: "disconnected",
	EventHeartbeat:    "heartbeat",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(k)) + ")"
}

func parseEventKind(name string) (EventKind, bool) {
	for k, n := range eventKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Event is a participant state transition relayed to subscribers.
// Participant is meaningless for heartbeats.
type Event struct {
	Kind        EventKind
	Participant ParticipantID
}

func Connected(p ParticipantID) Event    { return Event{Kind: EventConnected, Participant: p} }
func Speaking(p ParticipantID) Event     { return Event{Kind: EventSpeaking, Participant: p} }
func Quiet(p ParticipantID) Event        { return Event{Kind: EventQuiet, Participant: p} }
func Disconnected(p ParticipantID) Event { return Event{Kind: EventDisconnected, Participant: p} }
func Heartbeat() Event                   { return Event{Kind: EventHeartbeat} }

func (e Event) String() string {
	if e.Kind == EventHeartbeat {
		return e.Kind.String()
	}
	return e.Kind.String() + "(" + strconv.FormatUint(uint64(e.Participant), 10) + ")"
}

// MarshalJSON encodes the event as a single-key object keyed by its kind,
// e.g. {"speaking":100} or {"heartbeat":null}.
func (e Event) MarshalJSON() ([]byte, error) {
	name, ok := eventKindNames[e.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventKind, e.Kind)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"`)
	buf.WriteString(name)
	buf.WriteString(`":`)
	if e.Kind == EventHeartbeat {
		buf.WriteString("null")
	} else {
		buf.WriteString(strconv.FormatUint(uint64(e.Participant), 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return errors.Join(ErrBadEvent, err)
	}
	if len(obj) != 1 {
		return ErrBadEvent
	}
	for name, raw := range obj {
		kind, ok := parseEventKind(name)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownEventKind, name)
		}
		isNull := bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
		if kind == EventHeartbeat {
			if !isNull {
				return fmt.Errorf("%w: heartbeat carries no participant", ErrBadEvent)
			}
			*e = Heartbeat()
			return nil
		}
		if isNull {
			return fmt.Errorf("%w: %s requires a participant", ErrBadEvent, name)
		}
		var p ParticipantID
		if err := json.Unmarshal(raw, &p); err != nil {
			return errors.Join(ErrBadEvent, err)
		}
		*e = Event{Kind: kind, Participant: p}
	}
	return nil
}

// Signal is a presence signal produced by the voice layer for one room.
// It is one of Bind, Tick or Disconnect.
type Signal interface {
	signal()
}

// Bind reports that a source tag belongs to a participant.
type Bind struct {
	Tag         SourceTag     `json:"tag"`
	Participant ParticipantID `json:"participant"`
}

// Tick carries the tags producing audio during one sampling interval.
type Tick struct {
	Talking []SourceTag
}

type Disconnect struct {
	Participant ParticipantID
}

func (Bind) signal()       {}
func (Tick) signal()       {}
func (Disconnect) signal() {}

// SignalEnvelope is the JSON form of a Signal accepted from out-of-process
// voice clients: {"bind":{...}}, {"tick":[...]} or {"disconnect":id}.
type SignalEnvelope struct {
	Bind       *Bind          `json:"bind,omitempty"`
	Tick       *[]SourceTag   `json:"tick,omitempty"`
	Disconnect *ParticipantID `json:"disconnect,omitempty"`
}

func (env SignalEnvelope) Signal() (Signal, error) {
	var (
		sig Signal
		n   int
	)
	if env.Bind != nil {
		sig = *env.Bind
		n++
	}
	if env.Tick != nil {
		sig = Tick{Talking: *env.Tick}
		n++
	}
	if env.Disconnect != nil {
		sig = Disconnect{Participant: *env.Disconnect}
		n++
	}
	if n != 1 {
		return nil, ErrBadSignal
	}
	return sig, nil
}
