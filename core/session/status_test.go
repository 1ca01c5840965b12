package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fieldcmd/core/action"
	"github.com/kilianp07/fieldcmd/core/datum"
	"github.com/kilianp07/fieldcmd/core/instruction"
	"github.com/kilianp07/fieldcmd/infra/logger"
)

func notification(connectorID int, status string) *core.StatusNotificationRequest {
	return &core.StatusNotificationRequest{
		ConnectorId: connectorID,
		ErrorCode:   core.ChargePointErrorCode("NoError"),
		Status:      core.ChargePointStatus(status),
	}
}

func sourceIDs(data []datum.Datum) []string {
	out := make([]string, 0, len(data))
	for _, d := range data {
		out = append(out, d.SourceID)
	}
	return out
}

func TestStatusNotification_SingleConnector(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := notification(1, "Charging")
	req.Timestamp = types.NewDateTime(ts)
	req.Info = "session started"

	require.NoError(t, f.disp.HandleStatusNotification(context.Background(), "CP-1", req))

	saved, ok := f.statuses.Status(10, 1)
	require.True(t, ok)
	assert.Equal(t, "Charging", saved.Status)

	require.Len(t, f.pub.data, 1)
	d := f.pub.data[0]
	assert.Equal(t, "/ocpp/cp/CP-1/1/status", d.SourceID)
	assert.EqualValues(t, 5, d.ObjectID)
	assert.Equal(t, datum.KindNode, d.Kind)
	assert.True(t, ts.Equal(d.Created))
	assert.Equal(t, map[string]any{"status": "Charging", "errorCode": "NoError", "info": "session started"}, d.Samples.Status)
	assert.EqualValues(t, 1, f.disp.Stats().Get(StatusNotificationsReceived))
	assert.EqualValues(t, 1, f.disp.Stats().Get(DatumPublished))
}

func TestStatusNotification_ConnectorZeroFanOut(t *testing.T) {
	ctx := context.Background()

	t.Run("no known connectors", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(0, "Unavailable")))
		assert.Equal(t, []string{"/ocpp/cp/CP-1/0/status"}, sourceIDs(f.pub.data))
	})

	t.Run("one known connector", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(1, "Available")))
		f.pub.data = nil
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(0, "Unavailable")))
		assert.Equal(t, []string{"/ocpp/cp/CP-1/1/status"}, sourceIDs(f.pub.data))
		assert.Equal(t, "Unavailable", f.pub.data[0].Samples.Status["status"])
	})

	t.Run("two known connectors", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(2, "Available")))
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(1, "Available")))
		f.pub.data = nil
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(0, "Faulted")))
		assert.Equal(t, []string{"/ocpp/cp/CP-1/1/status", "/ocpp/cp/CP-1/2/status"}, sourceIDs(f.pub.data))
	})

	t.Run("tracked connector zero", func(t *testing.T) {
		cp := cp1
		cp.TracksConnectorZero = true
		f := newFixture(t, cp)
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(1, "Available")))
		f.pub.data = nil
		require.NoError(t, f.disp.HandleStatusNotification(ctx, "CP-1", notification(0, "Faulted")))
		assert.Equal(t, []string{"/ocpp/cp/CP-1/0/status"}, sourceIDs(f.pub.data))
	})
}

func TestStatusNotification_SourceIDTemplate(t *testing.T) {
	cp := cp1
	cp.SourceIDTemplate = "/n/{nodeId}/cp/{chargePointId}/{connectorId}/{site}"
	f := newFixture(t, cp)
	require.NoError(t, f.disp.HandleStatusNotification(context.Background(), "CP-1", notification(3, "Available")))
	assert.Equal(t, []string{"/n/5/cp/10/3/{site}"}, sourceIDs(f.pub.data))
}

func TestStatusNotification_PublishersIndependent(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("redis down")}
	ok := &recordingPublisher{}
	statuses := NewMemoryStatuses()
	d, err := New(Config{SourceIDTemplate: "/cp/{chargerIdentifier}/{connectorId}"}, Deps{
		ChargePoints: NewMemoryChargePoints(cp1),
		Statuses:     statuses,
		Router:       fakeRouter{},
		Codec:        action.NewCodec(),
		Instructions: instruction.NewMemoryStore(),
		Pool:         syncScheduler{},
		Publishers:   []datum.Publisher{failing, nil, ok},
		Log:          logger.NopLogger{},
	})
	require.NoError(t, err)

	require.NoError(t, d.HandleStatusNotification(context.Background(), "CP-1", notification(1, "Available")))
	assert.Equal(t, []string{"/cp/CP-1/1"}, sourceIDs(ok.data))
	assert.EqualValues(t, 1, d.Stats().Get(DatumPublished))
}

func TestStatusNotification_UnknownChargePoint(t *testing.T) {
	f := newFixture(t)
	err := f.disp.HandleStatusNotification(context.Background(), "CP-9", notification(1, "Available"))
	assert.ErrorIs(t, err, ErrChargePointNotFound)
	assert.Empty(t, f.pub.data)
}
