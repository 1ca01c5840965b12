package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

var _ instruction.Store = (*Store)(nil)

// Get returns the instruction with id.
func (s *Store) Get(ctx context.Context, id int64) (instruction.Instruction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, node_id, topic, created_ms, state, status_date_ms,
		expiration_ms, params, result_params FROM instruction WHERE id = $1`, id)
	return scanInstruction(row)
}

// Insert stores instr and returns its new id.
func (s *Store) Insert(ctx context.Context, instr instruction.Instruction) (int64, error) {
	params, err := json.Marshal(nonNilParams(instr.Parameters))
	if err != nil {
		return 0, fmt.Errorf("encode parameters: %w", err)
	}
	result, err := encodeResult(instr.ResultParameters)
	if err != nil {
		return 0, err
	}
	created := instr.Created
	if created.IsZero() {
		created = s.now()
	}
	statusDate := instr.StatusDate
	if statusDate.IsZero() {
		statusDate = created
	}
	var expiration sql.NullInt64
	if instr.ExpirationDate != nil {
		expiration = sql.NullInt64{Int64: toMillis(*instr.ExpirationDate), Valid: true}
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `INSERT INTO instruction
		(node_id, topic, created_ms, state, status_date_ms, expiration_ms, params, result_params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		instr.NodeID, instr.Topic, toMillis(created), string(instr.State), toMillis(statusDate),
		expiration, string(params), result).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert instruction: %w", err)
	}
	return id, nil
}

// CompareAndSwapState applies next only when the row still holds expected.
func (s *Store) CompareAndSwapState(ctx context.Context, id, nodeID int64, expected, next instruction.State, result map[string]any) (bool, error) {
	if !instruction.CanTransition(expected, next) {
		return false, nil
	}
	res, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	out, err := s.db.ExecContext(ctx, `UPDATE instruction
		SET state = $1, status_date_ms = $2, result_params = COALESCE($3, result_params)
		WHERE id = $4 AND node_id = $5 AND state = $6`,
		string(next), toMillis(s.now()), res, id, nodeID, string(expected))
	if err != nil {
		return false, fmt.Errorf("update instruction %d: %w", id, err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update instruction %d: %w", id, err)
	}
	return n == 1, nil
}

// ExpireQueued declines every queued instruction whose expiration date is
// before now and returns how many were declined.
func (s *Store) ExpireQueued(ctx context.Context, now time.Time) (int64, error) {
	res, err := encodeResult(map[string]any{"message": instruction.ExpiredMessage})
	if err != nil {
		return 0, err
	}
	out, err := s.db.ExecContext(ctx, `UPDATE instruction
		SET state = $1, status_date_ms = $2, result_params = $3
		WHERE state = $4 AND expiration_ms IS NOT NULL AND expiration_ms < $5`,
		string(instruction.StateDeclined), toMillis(now), res, string(instruction.StateQueued), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("expire instructions: %w", err)
	}
	return out.RowsAffected()
}

// ListByNode returns the instructions of a node, newest first.
func (s *Store) ListByNode(ctx context.Context, nodeID int64, limit int) ([]instruction.Instruction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, node_id, topic, created_ms, state, status_date_ms,
		expiration_ms, params, result_params FROM instruction WHERE node_id = $1 ORDER BY id DESC LIMIT $2`,
		nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []instruction.Instruction
	for rows.Next() {
		instr, err := scanInstruction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstruction(row scanner) (instruction.Instruction, error) {
	var (
		instr               instruction.Instruction
		createdMS, statusMS int64
		state, params       string
		expiration          sql.NullInt64
		result              sql.NullString
	)
	err := row.Scan(&instr.ID, &instr.NodeID, &instr.Topic, &createdMS, &state, &statusMS, &expiration, &params, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return instruction.Instruction{}, instruction.ErrNotFound
	}
	if err != nil {
		return instruction.Instruction{}, fmt.Errorf("scan instruction: %w", err)
	}
	instr.Created = fromMillis(createdMS)
	instr.StatusDate = fromMillis(statusMS)
	instr.State = instruction.State(state)
	if expiration.Valid {
		t := fromMillis(expiration.Int64)
		instr.ExpirationDate = &t
	}
	if err := json.Unmarshal([]byte(params), &instr.Parameters); err != nil {
		return instruction.Instruction{}, fmt.Errorf("decode parameters of %d: %w", instr.ID, err)
	}
	if len(instr.Parameters) == 0 {
		instr.Parameters = nil
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &instr.ResultParameters); err != nil {
			return instruction.Instruction{}, fmt.Errorf("decode result of %d: %w", instr.ID, err)
		}
	}
	return instr, nil
}

func nonNilParams(p instruction.Parameters) instruction.Parameters {
	if p == nil {
		return instruction.Parameters{}
	}
	return p
}

func encodeResult(result map[string]any) (sql.NullString, error) {
	if result == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode result parameters: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
