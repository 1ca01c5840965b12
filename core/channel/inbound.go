package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/mqtt"
)

const (
	typeDatum             = "datum"
	typeInstructionStatus = "InstructionStatus"
)

var nodeTopic = regexp.MustCompile(`^node/(\d+)/(.*)$`)

type messageHeader struct {
	Type string `json:"__type__"`
}

type datumMessage struct {
	Created    epochMillis     `json:"created"`
	SourceID   string          `json:"sourceId"`
	LocationID json.RawMessage `json:"locationId"`
	Samples    datum.Samples   `json:"samples"`
}

type statusMessage struct {
	InstructionID    json.RawMessage `json:"instructionId"`
	Status           string          `json:"status"`
	ResultParameters map[string]any  `json:"resultParameters"`
}

// HandleMessage processes one message published by a node. Only transient
// transport errors are returned; everything else is logged and dropped.
func (d *Dispatcher) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	d.stats.Increment(MessagesReceived)
	m := nodeTopic.FindStringSubmatch(topic)
	if m == nil {
		d.log.Warnf("dropping message on unexpected topic %s", topic)
		return nil
	}
	nodeID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		d.log.Warnf("dropping message on %s: invalid node id", topic)
		return nil
	}

	var head messageHeader
	if err := json.Unmarshal(payload, &head); err != nil {
		d.log.Debugf("malformed message from node %d on %s: %v", nodeID, topic, err)
		return nil
	}
	switch head.Type {
	case typeDatum:
		return d.handleDatum(ctx, nodeID, payload)
	case typeInstructionStatus:
		return d.handleStatus(ctx, nodeID, payload)
	default:
		d.log.Debugf("ignoring message type %q from node %d", head.Type, nodeID)
		return nil
	}
}

func (d *Dispatcher) handleDatum(ctx context.Context, nodeID int64, payload []byte) error {
	var msg datumMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.log.Debugf("malformed datum from node %d: %v", nodeID, err)
		return nil
	}
	if msg.SourceID == "" || msg.Samples.Empty() {
		d.log.Debugf("discarding datum from node %d without source or samples", nodeID)
		return nil
	}
	created := msg.Created.Time()
	if created.IsZero() {
		created = d.now()
	}
	dt := datum.Datum{
		Kind:     datum.KindNode,
		ObjectID: nodeID,
		SourceID: msg.SourceID,
		Created:  created,
		Samples:  msg.Samples,
	}
	if locID, ok := parseID(msg.LocationID); ok {
		dt.Kind = datum.KindLocation
		dt.ObjectID = locID
		d.stats.Increment(LocationDatumReceived)
	} else {
		d.stats.Increment(NodeDatumReceived)
	}

	if err := d.datum.PublishDatum(ctx, dt); err != nil {
		if mqtt.IsTransient(err) {
			return err
		}
		d.log.Debugf("datum %s/%d/%s not stored: %v", dt.Kind, dt.ObjectID, dt.SourceID, err)
	}
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, nodeID int64, payload []byte) error {
	d.stats.Increment(InstructionStatusReceived)
	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		d.log.Debugf("malformed instruction status from node %d: %v", nodeID, err)
		return nil
	}
	id, ok := parseID(msg.InstructionID)
	if !ok {
		d.log.Debugf("instruction status from node %d without instruction id", nodeID)
		return nil
	}
	next, err := instruction.ParseState(msg.Status)
	if err != nil {
		d.log.Debugf("instruction %d from node %d: %v", id, nodeID, err)
		return nil
	}

	// Executing is only reported for instructions this channel delivered;
	// every other status closes out an executing instruction.
	expected := instruction.StateExecuting
	if next == instruction.StateExecuting {
		expected = instruction.StateQueuing
	}
	d.transition(ctx, id, nodeID, expected, next, msg.ResultParameters)
	return nil
}

// parseID accepts a JSON number or a string holding one.
func parseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(bytes.Trim(raw, `"`))
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// epochMillis decodes a timestamp given as epoch milliseconds or RFC 3339.
type epochMillis struct{ t time.Time }

func (e *epochMillis) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		e.t = t
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	e.t = time.UnixMilli(ms)
	return nil
}

func (e epochMillis) Time() time.Time { return e.t }
