package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/visiona/argus/internal/config"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

// fakeClient captures the subscription callback and published payloads so
// tests can drive deliveries directly.
type fakeClient struct {
	mu        sync.Mutex
	handler   mqtt.MessageHandler
	published [][]byte
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return fakeToken{} }
func (c *fakeClient) Disconnect(uint)        {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, payload.([]byte))
	return fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) responses() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.published))
	copy(out, c.published)
	return out
}

type fakeMessage struct{ payload []byte }

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 0 }
func (fakeMessage) Retained() bool    { return false }
func (fakeMessage) Topic() string     { return "argus/control/test" }
func (fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (fakeMessage) Ack()              {}

func testConfig() *config.Config {
	return &config.Config{
		MQTT: config.MQTTConfig{
			Broker: "tcp://localhost:1883",
			Topics: config.MQTTTopics{
				Control: "argus/control/test",
				Health:  "argus/health/test",
			},
			QoS: map[string]byte{"control": 1, "health": 0},
		},
	}
}

func TestCommandDispatchAndAck(t *testing.T) {
	client := &fakeClient{}
	var mu sync.Mutex
	var restarted []string
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnRestartStream: func(cameraID string) error {
			mu.Lock()
			defer mu.Unlock()
			restarted = append(restarted, cameraID)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.handler(client, fakeMessage{payload: []byte(
		`{"command":"restart_stream","params":{"camera_id":"cam-1"}}`,
	)})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.responses()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	resps := client.responses()
	if len(resps) == 0 {
		t.Fatal("command was never acknowledged")
	}

	var resp Response
	if err := json.Unmarshal(resps[0], &resp); err != nil {
		t.Fatalf("ack not JSON: %v", err)
	}
	if resp.CommandAck != "restart_stream" || resp.Status != "success" {
		t.Errorf("ack = %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(restarted) != 1 || restarted[0] != "cam-1" {
		t.Errorf("restarted = %v, want [cam-1]", restarted)
	}
}

func TestDeliveryAfterStopIsDropped(t *testing.T) {
	client := &fakeClient{}
	var calls int
	var mu sync.Mutex
	h := NewHandler(testConfig(), client, CommandCallbacks{
		OnRestartStream: func(string) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop = %v, want nil", err)
	}

	// A delivery that raced the unsubscribe must be dropped, not panic.
	h.messageHandler(client, fakeMessage{payload: []byte(
		`{"command":"restart_stream","params":{"camera_id":"cam-1"}}`,
	)})

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback invoked %d times after stop, want 0", calls)
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(), client, CommandCallbacks{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.handler(client, fakeMessage{payload: []byte(`{"command":"reboot_planet"}`)})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.responses()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	resps := client.responses()
	if len(resps) == 0 {
		t.Fatal("command was never acknowledged")
	}
	var resp Response
	if err := json.Unmarshal(resps[0], &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" {
		t.Errorf("status = %q, want error for an unknown command", resp.Status)
	}
}
