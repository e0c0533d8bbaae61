package broker_test

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// --- Mocks for Paho MQTT Client ---

// mockToken completes immediately unless pending is set, in which case it
// completes when release is closed.
type mockToken struct {
	err     error
	release chan struct{}
}

func doneToken(err error) *mockToken {
	ch := make(chan struct{})
	close(ch)
	return &mockToken{err: err, release: ch}
}

func pendingToken() *mockToken {
	return &mockToken{release: make(chan struct{})}
}

func (m *mockToken) Wait() bool {
	<-m.release
	return true
}
func (m *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-m.release:
		return true
	case <-time.After(d):
		return false
	}
}
func (m *mockToken) Done() <-chan struct{} { return m.release }
func (m *mockToken) Error() error          { return m.err }

type publishCall struct {
	topic   string
	qos     byte
	payload []byte
}

type mockMqttClient struct {
	mu sync.Mutex

	connectErr   error
	connectToken func() mqtt.Token
	publishErr   error
	publishToken func() mqtt.Token
	subscribeErr error

	connected        bool
	connectCalls     int
	disconnectCalls  int
	subscribedTopics []string
	subscribedQoS    byte
	published        []publishCall
}

func (m *mockMqttClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *mockMqttClient) IsConnectionOpen() bool { return m.IsConnected() }
func (m *mockMqttClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectToken != nil {
		return m.connectToken()
	}
	if m.connectErr == nil {
		m.connected = true
	}
	return doneToken(m.connectErr)
}
func (m *mockMqttClient) Disconnect(_ uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnectCalls++
}
func (m *mockMqttClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishCall{topic: topic, qos: qos, payload: payload.([]byte)})
	if m.publishToken != nil {
		return m.publishToken()
	}
	return doneToken(m.publishErr)
}
func (m *mockMqttClient) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribedTopics = append(m.subscribedTopics, topic)
	m.subscribedQoS = qos
	return doneToken(m.subscribeErr)
}

// Stubs for unused methods to satisfy the interface.
func (m *mockMqttClient) Unsubscribe(_ ...string) mqtt.Token { return doneToken(nil) }
func (m *mockMqttClient) SubscribeMultiple(_ map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}
func (m *mockMqttClient) AddRoute(_ string, _ mqtt.MessageHandler) {}
func (m *mockMqttClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

func (m *mockMqttClient) setConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

func (m *mockMqttClient) connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

func (m *mockMqttClient) subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribedTopics...)
}

func (m *mockMqttClient) publishes() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.published...)
}
