// Package mqtt adapts the Eclipse Paho client to the message channel
// publish/subscribe interface.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	coremqtt "github.com/kilianp07/fieldcmd/core/mqtt"
	"github.com/kilianp07/fieldcmd/core/monitoring"
	"github.com/kilianp07/fieldcmd/infra/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMS   = 250
	maxReconnectBackoff   = 30 * time.Second
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker         string        `json:"broker"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	UseTLS         bool          `json:"use_tls"`
	ClientCert     string        `json:"client_cert"`
	ClientKey      string        `json:"client_key"`
	CABundle       string        `json:"ca_bundle"`
	AuthMethod     string        `json:"auth_method"`
	LWTTopic       string        `json:"lwt_topic"`
	LWTPayload     string        `json:"lwt_payload"`
	LWTQoS         byte          `json:"lwt_qos"`
	LWTRetain      bool          `json:"lwt_retain"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	KeepAlive      time.Duration `json:"keep_alive"`
	BackoffMS      int           `json:"backoff_ms"`
	TLSConfig      *tls.Config   `json:"-"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is required")
	}
	if c.LWTQoS > 2 {
		return fmt.Errorf("lwt_qos must be 0, 1 or 2")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

type subscription struct {
	qos     byte
	handler coremqtt.MessageHandler
}

// PahoClient implements core/mqtt.Client using Eclipse Paho.
// Subscriptions are restored on every (re)connect.
type PahoClient struct {
	cli            pahoClient
	log            logger.Logger
	connectTimeout time.Duration
	backoff        time.Duration

	mu           sync.Mutex
	subs         map[string]subscription
	reconnecting atomic.Bool
	closed       atomic.Bool
}

// NewPahoClient connects to the MQTT broker.
func NewPahoClient(cfg Config, log logger.Logger) (*PahoClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("mqtt_client")
	}
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	pc := &PahoClient{
		log:            log,
		connectTimeout: cfg.ConnectTimeout,
		backoff:        time.Duration(cfg.BackoffMS) * time.Millisecond,
		subs:           make(map[string]subscription),
	}
	if pc.connectTimeout <= 0 {
		pc.connectTimeout = defaultConnectTimeout
	}
	if pc.backoff <= 0 {
		pc.backoff = time.Second
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		pc.restoreSubscriptions(c)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	pc.cli = newMQTTClient(opts)
	if err := pc.connect(); err != nil {
		return nil, err
	}
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fieldcmd-" + uuid.NewString()
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts.AutoReconnect = true
	opts.SetCleanSession(false)
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates in %s", c.CABundle)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (p *PahoClient) connect() error {
	token := p.cli.Connect()
	if !token.WaitTimeout(p.connectTimeout) {
		return fmt.Errorf("connect to MQTT broker: timeout after %s", p.connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	return nil
}

// Publish sends payload and waits for the broker acknowledgement. When ctx
// ends first coremqtt.ErrPublishTimeout is returned.
func (p *PahoClient) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !p.cli.IsConnected() {
		return coremqtt.ErrNotConnected
	}
	token := p.cli.Publish(topic, qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w on %s", coremqtt.ErrPublishTimeout, topic)
	}
}

// Subscribe registers h for topic. It subscribes right away when connected
// and again after every reconnect.
func (p *PahoClient) Subscribe(topic string, qos byte, h coremqtt.MessageHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s", topic)
	}
	p.mu.Lock()
	p.subs[topic] = subscription{qos: qos, handler: h}
	p.mu.Unlock()

	if !p.cli.IsConnected() {
		return nil
	}
	token := p.cli.Subscribe(topic, qos, p.wrap(h))
	if !token.WaitTimeout(p.connectTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (p *PahoClient) restoreSubscriptions(c paho.Client) {
	p.mu.Lock()
	subs := make(map[string]subscription, len(p.subs))
	for t, s := range p.subs {
		subs[t] = s
	}
	p.mu.Unlock()

	for topic, s := range subs {
		if token := c.Subscribe(topic, s.qos, p.wrap(s.handler)); token.Wait() && token.Error() != nil {
			p.log.Errorf("subscribe %s: %v", topic, token.Error())
		}
	}
}

// wrap adapts a handler to paho. Transient handler errors force a reconnect.
func (p *PahoClient) wrap(h coremqtt.MessageHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		err := h(context.Background(), msg.Topic(), msg.Payload())
		if err == nil {
			return
		}
		if !coremqtt.IsTransient(err) {
			p.log.Debugf("message on %s not handled: %v", msg.Topic(), err)
			return
		}
		p.log.Warnf("transient error handling %s, reconnecting: %v", msg.Topic(), err)
		monitoring.CaptureException(err, map[string]string{"module": "mqtt", "topic": msg.Topic()})
		go p.reconnect()
	}
}

func (p *PahoClient) reconnect() {
	if !p.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer p.reconnecting.Store(false)
	p.cli.Disconnect(disconnectQuiesceMS)
	backoff := p.backoff
	for attempt := 1; !p.closed.Load(); attempt++ {
		err := p.connect()
		if err == nil {
			return
		}
		p.log.Errorf("reconnect attempt %d failed: %v", attempt, err)
		if attempt == 1 {
			monitoring.CaptureException(err, map[string]string{"module": "mqtt"})
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxReconnectBackoff)
	}
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	p.closed.Store(true)
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(disconnectQuiesceMS)
	}
}
