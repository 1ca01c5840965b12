package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kilianp07/fieldcmd/core/session"
)

var (
	_ session.ChargePointStore = (*Store)(nil)
	_ session.StatusStore      = (*Store)(nil)
)

// UpsertChargePoint inserts or replaces a charge point identity.
func (s *Store) UpsertChargePoint(ctx context.Context, cp session.ChargePoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO charge_point
		(id, node_id, identifier, tracks_connector_zero, source_id_template)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			node_id = excluded.node_id,
			identifier = excluded.identifier,
			tracks_connector_zero = excluded.tracks_connector_zero,
			source_id_template = excluded.source_id_template`,
		cp.ID, cp.NodeID, cp.Identifier, cp.TracksConnectorZero, cp.SourceIDTemplate)
	if err != nil {
		return fmt.Errorf("upsert charge point %s: %w", cp.Identifier, err)
	}
	return nil
}

func (s *Store) ChargePointByID(ctx context.Context, id int64) (session.ChargePoint, error) {
	return s.chargePoint(ctx, `SELECT id, node_id, identifier, tracks_connector_zero, source_id_template
		FROM charge_point WHERE id = $1`, id)
}

func (s *Store) ChargePointByIdentifier(ctx context.Context, identifier string) (session.ChargePoint, error) {
	return s.chargePoint(ctx, `SELECT id, node_id, identifier, tracks_connector_zero, source_id_template
		FROM charge_point WHERE identifier = $1`, identifier)
}

func (s *Store) chargePoint(ctx context.Context, query string, arg any) (session.ChargePoint, error) {
	var cp session.ChargePoint
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&cp.ID, &cp.NodeID, &cp.Identifier, &cp.TracksConnectorZero, &cp.SourceIDTemplate)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ChargePoint{}, session.ErrChargePointNotFound
	}
	if err != nil {
		return session.ChargePoint{}, fmt.Errorf("load charge point: %w", err)
	}
	return cp, nil
}

// SaveConnectorStatus inserts or replaces the status of one connector.
func (s *Store) SaveConnectorStatus(ctx context.Context, st session.ConnectorStatus) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO connector_status
		(charge_point_id, connector_id, status, error_code, info, vendor_id, vendor_error_code, ts_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (charge_point_id, connector_id) DO UPDATE SET
			status = excluded.status,
			error_code = excluded.error_code,
			info = excluded.info,
			vendor_id = excluded.vendor_id,
			vendor_error_code = excluded.vendor_error_code,
			ts_ms = excluded.ts_ms`,
		st.ChargePointID, st.ConnectorID, st.Status, st.ErrorCode, st.Info, st.VendorID, st.VendorErrorCode, toMillis(st.Timestamp))
	if err != nil {
		return fmt.Errorf("save connector status: %w", err)
	}
	return nil
}

// ConnectorIDs lists the connectors with a saved status.
func (s *Store) ConnectorIDs(ctx context.Context, chargePointID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT connector_id FROM connector_status
		WHERE charge_point_id = $1 ORDER BY connector_id`, chargePointID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConnectorStatus returns the saved status of one connector.
func (s *Store) ConnectorStatus(ctx context.Context, chargePointID int64, connectorID int) (session.ConnectorStatus, error) {
	st := session.ConnectorStatus{ChargePointID: chargePointID, ConnectorID: connectorID}
	var ts int64
	err := s.db.QueryRowContext(ctx, `SELECT status, error_code, info, vendor_id, vendor_error_code, ts_ms
		FROM connector_status WHERE charge_point_id = $1 AND connector_id = $2`, chargePointID, connectorID).
		Scan(&st.Status, &st.ErrorCode, &st.Info, &st.VendorID, &st.VendorErrorCode, &ts)
	if err != nil {
		return session.ConnectorStatus{}, fmt.Errorf("load connector status: %w", err)
	}
	st.Timestamp = fromMillis(ts)
	return st, nil
}
