package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/monitoring"
	"github.com/kilianp07/fieldcmd/internal/tmpl"
)

// HandleStatusNotification records a connector status and publishes the
// derived status datum.
func (d *Dispatcher) HandleStatusNotification(ctx context.Context, identifier string, req *core.StatusNotificationRequest) error {
	if req == nil {
		return fmt.Errorf("nil status notification from %s", identifier)
	}
	d.stats.Increment(StatusNotificationsReceived)

	cp, err := d.ChargePoints.ChargePointByIdentifier(ctx, identifier)
	if err != nil {
		return fmt.Errorf("status notification from %s: %w", identifier, err)
	}

	ts := d.now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.Time
	}
	status := ConnectorStatus{
		ChargePointID:   cp.ID,
		ConnectorID:     req.ConnectorId,
		Status:          string(req.Status),
		ErrorCode:       string(req.ErrorCode),
		Info:            req.Info,
		VendorID:        req.VendorId,
		VendorErrorCode: req.VendorErrorCode,
		Timestamp:       ts,
	}
	if err := d.Statuses.SaveConnectorStatus(ctx, status); err != nil {
		d.Log.Errorf("save status of %s connector %d: %v", identifier, req.ConnectorId, err)
		monitoring.CaptureException(err, map[string]string{"module": "session", "charge_point": identifier})
	}

	for _, connectorID := range d.datumConnectors(ctx, cp, req.ConnectorId) {
		d.publish(ctx, statusDatum(cp, d.sourceID(cp, connectorID), status))
	}
	return nil
}

// datumConnectors lists the connectors a notification produces datum for.
// Connector 0 stands for the whole charge point unless it is tracked on its
// own, so its status is fanned out to every known physical connector.
func (d *Dispatcher) datumConnectors(ctx context.Context, cp ChargePoint, connectorID int) []int {
	if connectorID != 0 || cp.TracksConnectorZero {
		return []int{connectorID}
	}
	known, err := d.Statuses.ConnectorIDs(ctx, cp.ID)
	if err != nil {
		d.Log.Warnf("list connectors of %s: %v", cp.Identifier, err)
	}
	var ids []int
	for _, id := range known {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []int{0}
	}
	return ids
}

func (d *Dispatcher) sourceID(cp ChargePoint, connectorID int) string {
	template := cp.SourceIDTemplate
	if template == "" {
		template = d.template
	}
	return tmpl.Resolve(template, map[string]string{
		"chargerIdentifier": cp.Identifier,
		"chargePointId":     strconv.FormatInt(cp.ID, 10),
		"connectorId":       strconv.Itoa(connectorID),
		"nodeId":            strconv.FormatInt(cp.NodeID, 10),
	})
}

func statusDatum(cp ChargePoint, sourceID string, s ConnectorStatus) datum.Datum {
	props := map[string]any{
		"status":    s.Status,
		"errorCode": s.ErrorCode,
	}
	if s.Info != "" {
		props["info"] = s.Info
	}
	if s.VendorID != "" {
		props["vendorId"] = s.VendorID
	}
	if s.VendorErrorCode != "" {
		props["vendorErrorCode"] = s.VendorErrorCode
	}
	return datum.Datum{
		Kind:     datum.KindNode,
		ObjectID: cp.NodeID,
		SourceID: sourceID,
		Created:  s.Timestamp,
		Samples:  datum.Samples{Status: props},
	}
}

// publish hands dt to every publisher; one failing does not stop the rest.
func (d *Dispatcher) publish(ctx context.Context, dt datum.Datum) {
	for _, p := range d.Publishers {
		if err := p.PublishDatum(ctx, dt); err != nil {
			d.Log.Warnf("publish datum %s: %v", dt.SourceID, err)
			continue
		}
		d.stats.Increment(DatumPublished)
	}
}
