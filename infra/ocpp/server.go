// Package ocpp runs the OCPP 1.6 central system: it keeps track of live
// charge point sessions, routes status notifications to the session
// dispatcher and sends dispatcher requests with a bounded wait.
package ocpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	ocpp16 "github.com/lorenzodonini/ocpp-go/ocpp1.6"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"

	"github.com/kilianp07/fieldcmd/core/logger"
	"github.com/kilianp07/fieldcmd/core/session"
)

const (
	DefaultListenPort        = 8887
	DefaultListenPath        = "/ocpp/{ws}"
	DefaultSendTimeout       = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Minute

	handlerTimeout = 10 * time.Second
)

// ErrRequestTimeout is passed to a request callback when the charge point
// does not answer within the send timeout.
var ErrRequestTimeout = errors.New("ocpp request timed out")

// Config configures the central system endpoint.
type Config struct {
	ListenPort        int           `json:"listen_port"`
	ListenPath        string        `json:"listen_path"`
	SendTimeout       time.Duration `json:"send_timeout"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.ListenPath == "" {
		c.ListenPath = DefaultListenPath
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	return nil
}

// StatusHandler receives connector status notifications.
type StatusHandler interface {
	HandleStatusNotification(ctx context.Context, identifier string, req *core.StatusNotificationRequest) error
}

type requestSender interface {
	SendRequestAsync(clientID string, request ocpp.Request, callback func(ocpp.Response, error)) error
}

// Server is the central system. It implements session.Router.
type Server struct {
	cfg          Config
	cs           ocpp16.CentralSystem
	sender       requestSender
	chargePoints session.ChargePointStore
	status       StatusHandler
	log          logger.Logger
	now          func() time.Time

	mu        sync.RWMutex
	connected map[string]time.Time
}

// NewServer creates the central system. Call Run to accept connections.
func NewServer(cfg Config, cps session.ChargePointStore, status StatusHandler, log logger.Logger) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cs := ocpp16.NewCentralSystem(nil, nil)
	s := newServer(cfg, cs, cps, status, log)
	s.cs = cs
	cs.SetCoreHandler(s)
	cs.SetNewChargePointHandler(func(cp ocpp16.ChargePointConnection) { s.connect(cp.ID()) })
	cs.SetChargePointDisconnectedHandler(func(cp ocpp16.ChargePointConnection) { s.disconnect(cp.ID()) })
	return s, nil
}

func newServer(cfg Config, sender requestSender, cps session.ChargePointStore, status StatusHandler, log logger.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sender:       sender,
		chargePoints: cps,
		status:       status,
		log:          log,
		now:          time.Now,
		connected:    make(map[string]time.Time),
	}
}

// SetStatusHandler replaces the status notification handler. It must be
// called before Run.
func (s *Server) SetStatusHandler(h StatusHandler) { s.status = h }

// Run accepts charge point connections until Stop is called.
func (s *Server) Run() {
	s.log.Infof("OCPP central system listening on :%d%s", s.cfg.ListenPort, s.cfg.ListenPath)
	s.cs.Start(s.cfg.ListenPort, s.cfg.ListenPath)
}

// Stop closes every session and the listener.
func (s *Server) Stop() {
	if s.cs != nil {
		s.cs.Stop()
	}
}

func (s *Server) connect(id string) {
	s.mu.Lock()
	s.connected[id] = s.now()
	s.mu.Unlock()
	s.log.Infof("charge point %s connected", id)
}

func (s *Server) disconnect(id string) {
	s.mu.Lock()
	delete(s.connected, id)
	s.mu.Unlock()
	s.log.Infof("charge point %s disconnected", id)
}

// Connected lists the identifiers of live sessions.
func (s *Server) Connected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.connected))
	for id := range s.connected {
		out = append(out, id)
	}
	return out
}

// Broker returns a broker for a connected charge point.
func (s *Server) Broker(identifier string) (session.Broker, bool) {
	s.mu.RLock()
	_, ok := s.connected[identifier]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &broker{sender: s.sender, identifier: identifier, timeout: s.cfg.SendTimeout}, true
}

// broker sends requests to one charge point and guarantees a single
// callback per request.
type broker struct {
	sender     requestSender
	identifier string
	timeout    time.Duration
}

func (b *broker) SendRequest(req ocpp.Request, callback func(ocpp.Response, error)) error {
	var (
		once  sync.Once
		timer *time.Timer
		mu    sync.Mutex
	)
	deliver := func(resp ocpp.Response, err error) {
		once.Do(func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			callback(resp, err)
		})
	}
	mu.Lock()
	timer = time.AfterFunc(b.timeout, func() {
		deliver(nil, fmt.Errorf("%w: %s to %s after %s", ErrRequestTimeout, req.GetFeatureName(), b.identifier, b.timeout))
	})
	mu.Unlock()

	if err := b.sender.SendRequestAsync(b.identifier, req, deliver); err != nil {
		claimed := false
		once.Do(func() {
			claimed = true
			timer.Stop()
		})
		if claimed {
			return fmt.Errorf("send %s to %s: %w", req.GetFeatureName(), b.identifier, err)
		}
	}
	return nil
}
