package session

import (
	"context"
	"errors"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

// ErrChargePointNotFound is returned by ChargePointStore lookups.
var ErrChargePointNotFound = errors.New("charge point not found")

// ChargePoint is the identity of an OCPP charge point owned by a node.
type ChargePoint struct {
	ID         int64  `json:"id"`
	NodeID     int64  `json:"node_id"`
	Identifier string `json:"identifier"`
	// TracksConnectorZero is set when connector 0 has its own status
	// instead of standing for the whole charge point.
	TracksConnectorZero bool `json:"tracks_connector_zero"`
	// SourceIDTemplate overrides the configured datum source id template.
	SourceIDTemplate string `json:"source_id_template"`
}

// ConnectorStatus is the last reported status of one connector.
type ConnectorStatus struct {
	ChargePointID   int64
	ConnectorID     int
	Status          string
	ErrorCode       string
	Info            string
	VendorID        string
	VendorErrorCode string
	Timestamp       time.Time
}

// ChargePointStore resolves charge point identities.
type ChargePointStore interface {
	ChargePointByID(ctx context.Context, id int64) (ChargePoint, error)
	ChargePointByIdentifier(ctx context.Context, identifier string) (ChargePoint, error)
}

// StatusStore keeps connector statuses.
type StatusStore interface {
	// SaveConnectorStatus inserts or replaces the status of one connector.
	SaveConnectorStatus(ctx context.Context, s ConnectorStatus) error
	// ConnectorIDs lists the connectors a status was ever saved for.
	ConnectorIDs(ctx context.Context, chargePointID int64) ([]int, error)
}

// Broker sends requests over a live charge point session. The callback is
// invoked exactly once with a confirmation or an error, timeouts included.
type Broker interface {
	SendRequest(req ocpp.Request, callback func(ocpp.Response, error)) error
}

// Router finds the broker for a connected charge point.
type Router interface {
	Broker(identifier string) (Broker, bool)
}

// Codec converts instructions to OCPP requests and confirmations to result
// parameters.
type Codec interface {
	Supports(topic string) bool
	DecodeRequest(topic string, p instruction.Parameters) (ocpp.Request, error)
	EncodeResponse(resp ocpp.Response) (map[string]any, error)
}

// Scheduler runs tasks off the caller goroutine.
type Scheduler interface {
	Go(task func(ctx context.Context)) bool
}
