// Package action translates instruction parameters to OCPP 1.6 requests and
// OCPP confirmations back to instruction result parameters.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"

	"github.com/kilianp07/fieldcmd/core/instruction"
)

var (
	// ErrUnsupportedAction is returned for instruction topics with no OCPP
	// request mapping.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrInvalidParameter is returned when a parameter is missing or has a
	// value the action does not accept.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Parameter names shared by several actions.
const (
	ParamConnectorID   = "connectorId"
	ParamType          = "type"
	ParamKey           = "key"
	ParamValue         = "value"
	ParamIDTag         = "idTag"
	ParamTransactionID = "transactionId"
	ParamMessage       = "requestedMessage"
	ParamVendorID      = "vendorId"
	ParamMessageID     = "messageId"
	ParamData          = "data"
)

type decodeFunc func(p params) (ocpp.Request, error)

// Codec maps instruction topics to OCPP actions.
type Codec struct {
	decoders map[string]decodeFunc
}

// NewCodec returns a codec for the central-system initiated OCPP 1.6 core
// and remote trigger actions.
func NewCodec() *Codec {
	return &Codec{decoders: map[string]decodeFunc{
		"ChangeAvailability":     decodeChangeAvailability,
		"ChangeConfiguration":    decodeChangeConfiguration,
		"ClearCache":             decodeClearCache,
		"DataTransfer":           decodeDataTransfer,
		"GetConfiguration":       decodeGetConfiguration,
		"RemoteStartTransaction": decodeRemoteStart,
		"RemoteStopTransaction":  decodeRemoteStop,
		"Reset":                  decodeReset,
		"TriggerMessage":         decodeTriggerMessage,
		"UnlockConnector":        decodeUnlockConnector,
	}}
}

// Supports reports whether topic names an OCPP action.
func (c *Codec) Supports(topic string) bool {
	_, ok := c.decoders[topic]
	return ok
}

// Topics lists the supported instruction topics in sorted order.
func (c *Codec) Topics() []string {
	out := make([]string, 0, len(c.decoders))
	for t := range c.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DecodeRequest builds the OCPP request for an instruction.
func (c *Codec) DecodeRequest(topic string, p instruction.Parameters) (ocpp.Request, error) {
	dec, ok := c.decoders[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, topic)
	}
	req, err := dec(params(p.Map()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", topic, err)
	}
	return req, nil
}

// EncodeResponse flattens a confirmation into result parameters keyed by
// the OCPP JSON field names.
func (c *Codec) EncodeResponse(resp ocpp.Response) (map[string]any, error) {
	if resp == nil {
		return nil, nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", resp.GetFeatureName(), err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("encode %s response: %w", resp.GetFeatureName(), err)
	}
	return out, nil
}

type params map[string]string

func (p params) required(name string) (string, error) {
	v := strings.TrimSpace(p[name])
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
	}
	return v, nil
}

func (p params) requiredInt(name string) (int, error) {
	v, err := p.required(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidParameter, name)
	}
	return n, nil
}

func (p params) optionalInt(name string) (*int, error) {
	if strings.TrimSpace(p[name]) == "" {
		return nil, nil
	}
	n, err := p.requiredInt(name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (p params) oneOf(name string, allowed ...string) (string, error) {
	v, err := p.required(name)
	if err != nil {
		return "", err
	}
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be one of %s", ErrInvalidParameter, name, strings.Join(allowed, ", "))
}

func decodeChangeAvailability(p params) (ocpp.Request, error) {
	connectorID, err := p.requiredInt(ParamConnectorID)
	if err != nil {
		return nil, err
	}
	kind, err := p.oneOf(ParamType, "Operative", "Inoperative")
	if err != nil {
		return nil, err
	}
	return &core.ChangeAvailabilityRequest{ConnectorId: connectorID, Type: core.AvailabilityType(kind)}, nil
}

func decodeChangeConfiguration(p params) (ocpp.Request, error) {
	key, err := p.required(ParamKey)
	if err != nil {
		return nil, err
	}
	if len(key) > 50 {
		return nil, fmt.Errorf("%w: %s exceeds 50 characters", ErrInvalidParameter, ParamKey)
	}
	// an empty value is a legitimate setting
	return &core.ChangeConfigurationRequest{Key: key, Value: p[ParamValue]}, nil
}

func decodeClearCache(params) (ocpp.Request, error) {
	return &core.ClearCacheRequest{}, nil
}

func decodeDataTransfer(p params) (ocpp.Request, error) {
	vendor, err := p.required(ParamVendorID)
	if err != nil {
		return nil, err
	}
	req := &core.DataTransferRequest{VendorId: vendor, MessageId: p[ParamMessageID]}
	if data, ok := p[ParamData]; ok {
		req.Data = data
	}
	return req, nil
}

func decodeGetConfiguration(p params) (ocpp.Request, error) {
	req := &core.GetConfigurationRequest{}
	for _, k := range strings.Split(p[ParamKey], ",") {
		if k = strings.TrimSpace(k); k != "" {
			req.Key = append(req.Key, k)
		}
	}
	return req, nil
}

func decodeRemoteStart(p params) (ocpp.Request, error) {
	tag, err := p.required(ParamIDTag)
	if err != nil {
		return nil, err
	}
	connectorID, err := p.optionalInt(ParamConnectorID)
	if err != nil {
		return nil, err
	}
	return &core.RemoteStartTransactionRequest{IdTag: tag, ConnectorId: connectorID}, nil
}

func decodeRemoteStop(p params) (ocpp.Request, error) {
	tx, err := p.requiredInt(ParamTransactionID)
	if err != nil {
		return nil, err
	}
	return &core.RemoteStopTransactionRequest{TransactionId: tx}, nil
}

func decodeReset(p params) (ocpp.Request, error) {
	kind, err := p.oneOf(ParamType, "Hard", "Soft")
	if err != nil {
		return nil, err
	}
	return &core.ResetRequest{Type: core.ResetType(kind)}, nil
}

func decodeTriggerMessage(p params) (ocpp.Request, error) {
	msg, err := p.oneOf(ParamMessage,
		"BootNotification", "DiagnosticsStatusNotification", "FirmwareStatusNotification",
		"Heartbeat", "MeterValues", "StatusNotification")
	if err != nil {
		return nil, err
	}
	connectorID, err := p.optionalInt(ParamConnectorID)
	if err != nil {
		return nil, err
	}
	return &remotetrigger.TriggerMessageRequest{
		RequestedMessage: remotetrigger.MessageTrigger(msg),
		ConnectorId:      connectorID,
	}, nil
}

func decodeUnlockConnector(p params) (ocpp.Request, error) {
	connectorID, err := p.requiredInt(ParamConnectorID)
	if err != nil {
		return nil, err
	}
	if connectorID == 0 {
		return nil, fmt.Errorf("%w: %s must be greater than 0", ErrInvalidParameter, ParamConnectorID)
	}
	return &core.UnlockConnectorRequest{ConnectorId: connectorID}, nil
}
