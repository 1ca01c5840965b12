package ocpp

import (
	"context"
	"errors"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"

	"github.com/kilianp07/fieldcmd/core/session"
)

var _ core.CentralSystemHandler = (*Server)(nil)

// The charge-point initiated core profile. Transactions and authorization
// are not managed here, so id tags are never accepted.

func (s *Server) OnBootNotification(chargePointID string, req *core.BootNotificationRequest) (*core.BootNotificationConfirmation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	status := core.RegistrationStatusAccepted
	if _, err := s.chargePoints.ChargePointByIdentifier(ctx, chargePointID); err != nil {
		if !errors.Is(err, session.ErrChargePointNotFound) {
			s.log.Errorf("boot notification from %s: %v", chargePointID, err)
		}
		status = core.RegistrationStatusRejected
	}
	s.log.Infof("boot notification from %s (%s %s): %s", chargePointID, req.ChargePointVendor, req.ChargePointModel, status)
	return core.NewBootNotificationConfirmation(types.NewDateTime(s.now()), int(s.cfg.HeartbeatInterval.Seconds()), status), nil
}

func (s *Server) OnHeartbeat(string, *core.HeartbeatRequest) (*core.HeartbeatConfirmation, error) {
	return core.NewHeartbeatConfirmation(types.NewDateTime(s.now())), nil
}

func (s *Server) OnStatusNotification(chargePointID string, req *core.StatusNotificationRequest) (*core.StatusNotificationConfirmation, error) {
	if s.status != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := s.status.HandleStatusNotification(ctx, chargePointID, req); err != nil {
			s.log.Warnf("status notification from %s: %v", chargePointID, err)
		}
	}
	return core.NewStatusNotificationConfirmation(), nil
}

func (s *Server) OnAuthorize(chargePointID string, req *core.AuthorizeRequest) (*core.AuthorizeConfirmation, error) {
	s.log.Debugf("authorize %s from %s rejected", req.IdTag, chargePointID)
	return core.NewAuthorizationConfirmation(types.NewIdTagInfo(types.AuthorizationStatusInvalid)), nil
}

func (s *Server) OnStartTransaction(chargePointID string, req *core.StartTransactionRequest) (*core.StartTransactionConfirmation, error) {
	s.log.Debugf("start transaction on %s connector %d rejected", chargePointID, req.ConnectorId)
	return core.NewStartTransactionConfirmation(types.NewIdTagInfo(types.AuthorizationStatusInvalid), 0), nil
}

func (s *Server) OnStopTransaction(chargePointID string, req *core.StopTransactionRequest) (*core.StopTransactionConfirmation, error) {
	s.log.Debugf("stop transaction %d on %s", req.TransactionId, chargePointID)
	return core.NewStopTransactionConfirmation(), nil
}

func (s *Server) OnMeterValues(chargePointID string, req *core.MeterValuesRequest) (*core.MeterValuesConfirmation, error) {
	s.log.Debugf("meter values from %s connector %d: %d samples", chargePointID, req.ConnectorId, len(req.MeterValue))
	return core.NewMeterValuesConfirmation(), nil
}

func (s *Server) OnDataTransfer(chargePointID string, req *core.DataTransferRequest) (*core.DataTransferConfirmation, error) {
	s.log.Debugf("data transfer %s/%s from %s rejected", req.VendorId, req.MessageId, chargePointID)
	return core.NewDataTransferConfirmation(core.DataTransferStatusRejected), nil
}
