package mqtt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	coremqtt "github.com/kilianp07/fieldcmd/core/mqtt"
	coremon "github.com/kilianp07/fieldcmd/core/monitoring"
	"github.com/kilianp07/fieldcmd/infra/logger"
)

// helper to generate self-signed cert
func generateCert(t *testing.T) (certFile, keyFile, caFile string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "test"}, NotBefore: time.Now(), NotAfter: time.Now().Add(time.Hour)}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certFile = dir + "/cert.pem"
	keyFile = dir + "/key.pem"
	caFile = dir + "/ca.pem"
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0644); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(caFile, certPEM, 0644); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return
}

func TestLoadTLSConfig(t *testing.T) {
	cert, key, ca := generateCert(t)
	cfg := Config{UseTLS: true, ClientCert: cert, ClientKey: key, CABundle: ca}
	tlsCfg, err := cfg.LoadTLSConfig()
	if err != nil {
		t.Fatalf("load tls: %v", err)
	}
	if len(tlsCfg.Certificates) == 0 {
		t.Fatalf("no certs loaded")
	}
	if tlsCfg.RootCAs == nil {
		t.Fatalf("no root CAs")
	}
}

func TestNewClientOptionsAuth(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883", ClientID: "id", Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if opts.Username != "u" || opts.Password != "p" {
		t.Fatalf("auth not set")
	}
}

func useMock(t *testing.T, mc *mockClient) {
	t.Helper()
	newMQTTClient = func(o *paho.ClientOptions) pahoClient { mc.opts = o; return mc }
	t.Cleanup(func() { newMQTTClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) } })
}

func testConfig() Config {
	return Config{Broker: "tcp://localhost:1883", ClientID: "id", BackoffMS: 1}
}

func TestNewClientOptionsGeneratesClientID(t *testing.T) {
	opts, err := NewClientOptions(Config{Broker: "tcp://localhost:1883"})
	if err != nil {
		t.Fatalf("opts: %v", err)
	}
	if len(opts.ClientID) <= len("fieldcmd-") {
		t.Fatalf("client id not generated: %q", opts.ClientID)
	}
}

func TestNewPahoClientRequiresBroker(t *testing.T) {
	if _, err := NewPahoClient(Config{}, logger.NopLogger{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPublishWaitsForAck(t *testing.T) {
	mc := &mockClient{connected: true}
	useMock(t, mc)
	cli, err := NewPahoClient(testConfig(), logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.Publish(context.Background(), "node/1/instr", 1, []byte("{}")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(mc.published) != 1 || mc.published[0].qos != 1 || mc.published[0].topic != "node/1/instr" {
		t.Fatalf("unexpected publish %+v", mc.published)
	}
}

func TestPublishErrors(t *testing.T) {
	mc := &mockClient{connected: true, publishErrs: []error{errors.New("net fail")}}
	useMock(t, mc)
	cli, err := NewPahoClient(testConfig(), logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := cli.Publish(context.Background(), "t", 1, nil); err == nil {
		t.Fatalf("expected publish error")
	}

	mc.pending = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := cli.Publish(ctx, "t", 1, nil); !errors.Is(err, coremqtt.ErrPublishTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	mc.setConnected(false)
	if err := cli.Publish(context.Background(), "t", 1, nil); !errors.Is(err, coremqtt.ErrNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestSubscriptionsRestoredOnConnect(t *testing.T) {
	mc := &mockClient{connected: true}
	useMock(t, mc)
	cli, err := NewPahoClient(testConfig(), logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	h := func(context.Context, string, []byte) error { return nil }
	if err := cli.Subscribe("node/+/datum", 1, h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	mc.opts.OnConnect(mc)
	if len(mc.subscribed) != 2 || mc.subscribed[1].topic != "node/+/datum" || mc.subscribed[1].qos != 1 {
		t.Fatalf("subscription not restored: %+v", mc.subscribed)
	}
}

type recordMonitor struct {
	mu   sync.Mutex
	err  error
	tags map[string]string
}

func (r *recordMonitor) CaptureException(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
		r.tags = tags
	}
}
func (r *recordMonitor) Recover()            {}
func (r *recordMonitor) Flush(time.Duration) {}

func TestTransientHandlerErrorReconnects(t *testing.T) {
	mc := &mockClient{connected: true}
	useMock(t, mc)
	mon := &recordMonitor{}
	coremon.Init(mon)
	defer coremon.Init(coremon.NopMonitor{})

	cli, err := NewPahoClient(testConfig(), logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	transient := func(context.Context, string, []byte) error {
		return coremqtt.Transient(errors.New("store unreachable"))
	}
	cli.wrap(transient)(nil, mockMessage{topic: "node/1/datum"})

	deadline := time.Now().Add(time.Second)
	for mc.connectCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("client did not reconnect")
		}
		time.Sleep(time.Millisecond)
	}
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.err == nil || mon.tags["module"] != "mqtt" || mon.tags["topic"] != "node/1/datum" {
		t.Fatalf("transient error not captured: %v %v", mon.err, mon.tags)
	}
}

func TestNonTransientHandlerErrorIgnored(t *testing.T) {
	mc := &mockClient{connected: true}
	useMock(t, mc)
	cli, err := NewPahoClient(testConfig(), logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cli.wrap(func(context.Context, string, []byte) error { return errors.New("bad payload") })(nil, mockMessage{topic: "x"})
	time.Sleep(10 * time.Millisecond)
	if n := mc.connectCount(); n != 1 {
		t.Fatalf("unexpected reconnect, connects=%d", n)
	}
}

func TestLWTConfigured(t *testing.T) {
	mc := &mockClient{connected: true}
	useMock(t, mc)
	cfg := testConfig()
	cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS = "lwt", "bye", 1
	cli, err := NewPahoClient(cfg, logger.NopLogger{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if !mc.opts.WillEnabled {
		t.Fatalf("will not enabled")
	}
	if mc.opts.WillTopic != "lwt" || string(mc.opts.WillPayload) != "bye" {
		t.Fatalf("will options incorrect")
	}
	cli.Disconnect()
	if len(mc.published) != 0 {
		t.Fatalf("unexpected publish on disconnect")
	}
}

type topicQoS struct {
	topic string
	qos   byte
}

// mockClient implements pahoClient for tests
type mockClient struct {
	mu          sync.Mutex
	opts        *paho.ClientOptions
	connected   bool
	connects    int
	pending     bool
	subscribed  []topicQoS
	published   []topicQoS
	publishErrs []error
}

func (m *mockClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *mockClient) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *mockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockClient) Connect() paho.Token {
	m.mu.Lock()
	m.connects++
	m.connected = true
	m.mu.Unlock()
	return &dummyToken{}
}

func (m *mockClient) Disconnect(uint) { m.setConnected(false) }

func (m *mockClient) Publish(topic string, qos byte, _ bool, _ interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, topicQoS{topic, qos})
	if m.pending {
		return &dummyToken{pending: true}
	}
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		return &dummyToken{err: err}
	}
	return &dummyToken{}
}

func (m *mockClient) Subscribe(topic string, qos byte, _ paho.MessageHandler) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topicQoS{topic, qos})
	return &dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return &dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return m.IsConnected() }

type dummyToken struct {
	err     error
	pending bool
}

func (d dummyToken) Wait() bool                     { return !d.pending }
func (d dummyToken) WaitTimeout(time.Duration) bool { return !d.pending }
func (d dummyToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !d.pending {
		close(ch)
	}
	return ch
}
func (d dummyToken) Error() error { return d.err }

type mockMessage struct {
	topic string
	p     []byte
}

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return m.topic }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}
