//go:build integration

package sqlstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/core/session"
	"github.com/kilianp07/fieldcmd/internal/testutil"
)

func TestPostgresIntegration(t *testing.T) {
	if !testutil.DockerAvailable() {
		t.Skip("docker not available")
	}
	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fieldcmd",
			"POSTGRES_PASSWORD": "fieldcmd",
			"POSTGRES_DB":       "fieldcmd",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(time.Minute),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://fieldcmd:fieldcmd@%s:%s/fieldcmd?sslmode=disable", host, port.Port())

	s, err := Open(ctx, Config{Driver: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = s.Close() }()

	id, err := s.Insert(ctx, instruction.Instruction{NodeID: 1, Topic: "Reset", State: instruction.StateQueued})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	ok, err := s.CompareAndSwapState(ctx, id, 1, instruction.StateQueued, instruction.StateExecuting, nil)
	if err != nil || !ok {
		t.Fatalf("cas: %v %v", ok, err)
	}
	ok, err = s.CompareAndSwapState(ctx, id, 1, instruction.StateExecuting, instruction.StateCompleted, map[string]any{"status": "Accepted"})
	if err != nil || !ok {
		t.Fatalf("cas: %v %v", ok, err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != instruction.StateCompleted || got.ResultParameters["status"] != "Accepted" {
		t.Fatalf("unexpected instruction %+v", got)
	}

	if err := s.UpsertChargePoint(ctx, session.ChargePoint{ID: 1, NodeID: 1, Identifier: "CP-1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SaveConnectorStatus(ctx, session.ConnectorStatus{ChargePointID: 1, ConnectorID: 1, Status: "Available", ErrorCode: "NoError", Timestamp: time.Now()}); err != nil {
		t.Fatalf("save status: %v", err)
	}
	ids, err := s.ConnectorIDs(ctx, 1)
	if err != nil || len(ids) != 1 {
		t.Fatalf("connectors: %v %v", ids, err)
	}
}
