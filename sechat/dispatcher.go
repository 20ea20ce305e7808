package sechat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// dispatcher decodes inbound frames and fans the contained events out
// through the broker. A frame is a JSON object keyed "r<roomId>", each
// value carrying an optional "e" batch of event records.
type dispatcher struct {
	rooms  map[int]bool
	broker *broker
	logger Logger
}

func newDispatcher(rooms map[int]bool, b *broker, logger Logger) *dispatcher {
	return &dispatcher{rooms: rooms, broker: b, logger: logger}
}

type roomBatch struct {
	Events []json.RawMessage `json:"e"`
}

// dispatchFrame processes one frame atomically: rooms without events
// and rooms outside the subscription set are skipped, everything else
// is emitted in the frame's own order. A frame that does not decode is
// dropped with a decode-error diagnostic; it never kills the stream.
func (d *dispatcher) dispatchFrame(data []byte) {
	// A streaming decode keeps the frame's key order, which the emit
	// order must follow.
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		d.diagnose("frame", err)
		return
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		d.diagnose("frame", NewError(ErrorDecode, "frame is not a JSON object"))
		return
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			d.diagnose("frame key", err)
			return
		}
		key, _ := keyTok.(string)
		var batch roomBatch
		if err := dec.Decode(&batch); err != nil {
			d.diagnose("room batch "+key, err)
			return
		}
		roomID, ok := parseRoomKey(key)
		if !ok || len(batch.Events) == 0 {
			continue
		}
		if !d.rooms[roomID] {
			continue
		}
		for _, raw := range batch.Events {
			d.emit(roomID, raw)
		}
	}
}

func (d *dispatcher) emit(roomID int, raw json.RawMessage) {
	var msg ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.diagnose("event record", err)
		return
	}
	d.broker.publish(Event{
		Type:   string(msg.EventType),
		RoomID: roomID,
		Msg:    &msg,
		Raw:    raw,
	})
}

func (d *dispatcher) diagnose(what string, err error) {
	d.logger.Warn("dropped undecodable "+what, map[string]any{"error": err.Error()})
	d.broker.publish(Event{
		Type: EventDecodeError,
		Err:  WrapError(ErrorDecode, what, err),
	})
}

// parseRoomKey turns "r17" into 17.
func parseRoomKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "r") {
		return 0, false
	}
	id, err := strconv.Atoi(key[1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
