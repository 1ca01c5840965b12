package action

import (
	"sort"
	"testing"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

func ps(kv ...string) instruction.Parameters {
	out := make(instruction.Parameters, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, instruction.Parameter{Name: kv[i], Value: kv[i+1]})
	}
	return out
}

func TestDecodeRequest_ChangeAvailability(t *testing.T) {
	c := NewCodec()
	req, err := c.DecodeRequest("ChangeAvailability", ps("connectorId", "1", "type", "inoperative"))
	require.NoError(t, err)
	ca, ok := req.(*core.ChangeAvailabilityRequest)
	require.True(t, ok)
	assert.Equal(t, 1, ca.ConnectorId)
	assert.Equal(t, core.AvailabilityType("Inoperative"), ca.Type)
	assert.Equal(t, "ChangeAvailability", req.GetFeatureName())
}

func TestDecodeRequest_Errors(t *testing.T) {
	c := NewCodec()
	cases := []struct {
		topic  string
		params instruction.Parameters
	}{
		{"ChangeAvailability", ps("type", "Operative")},
		{"ChangeAvailability", ps("connectorId", "-1", "type", "Operative")},
		{"ChangeAvailability", ps("connectorId", "1", "type", "Broken")},
		{"Reset", nil},
		{"UnlockConnector", ps("connectorId", "0")},
		{"RemoteStopTransaction", ps("transactionId", "abc")},
		{"TriggerMessage", ps("requestedMessage", "Nope")},
		{"DataTransfer", nil},
	}
	for _, tc := range cases {
		_, err := c.DecodeRequest(tc.topic, tc.params)
		assert.ErrorIs(t, err, ErrInvalidParameter, tc.topic)
	}

	_, err := c.DecodeRequest("SetControlParameter", nil)
	assert.ErrorIs(t, err, ErrUnsupportedAction)
}

func TestDecodeRequest_Variants(t *testing.T) {
	c := NewCodec()

	req, err := c.DecodeRequest("Reset", ps("type", "soft"))
	require.NoError(t, err)
	assert.Equal(t, core.ResetType("Soft"), req.(*core.ResetRequest).Type)

	req, err = c.DecodeRequest("GetConfiguration", ps("key", "HeartbeatInterval, MeterValueSampleInterval"))
	require.NoError(t, err)
	assert.Equal(t, []string{"HeartbeatInterval", "MeterValueSampleInterval"}, req.(*core.GetConfigurationRequest).Key)

	req, err = c.DecodeRequest("TriggerMessage", ps("requestedMessage", "StatusNotification", "connectorId", "2"))
	require.NoError(t, err)
	tm := req.(*remotetrigger.TriggerMessageRequest)
	assert.Equal(t, remotetrigger.MessageTrigger("StatusNotification"), tm.RequestedMessage)
	require.NotNil(t, tm.ConnectorId)
	assert.Equal(t, 2, *tm.ConnectorId)

	req, err = c.DecodeRequest("ChangeConfiguration", ps("key", "HeartbeatInterval", "value", "300"))
	require.NoError(t, err)
	assert.Equal(t, "300", req.(*core.ChangeConfigurationRequest).Value)

	req, err = c.DecodeRequest("RemoteStartTransaction", ps("idTag", "TAG1"))
	require.NoError(t, err)
	assert.Nil(t, req.(*core.RemoteStartTransactionRequest).ConnectorId)

	_, err = c.DecodeRequest("ClearCache", nil)
	require.NoError(t, err)
}

func TestEncodeResponse(t *testing.T) {
	c := NewCodec()
	res, err := c.EncodeResponse(&core.ChangeAvailabilityConfirmation{Status: core.AvailabilityStatus("Accepted")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "Accepted"}, res)

	res, err = c.EncodeResponse(nil)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTopics(t *testing.T) {
	c := NewCodec()
	topics := c.Topics()
	assert.Contains(t, topics, "TriggerMessage")
	assert.True(t, c.Supports("Reset"))
	assert.False(t, c.Supports("SetControlParameter"))
	assert.True(t, sort.StringsAreSorted(topics))
}
