// Package edge wires the edge agent: two independent transports (Redis
// command stream, MQTT telemetry and health), a Dead Man's Switch shared
// between them, and the safe-mode command filter. Either transport's loss
// starves the watchdog into safe mode.
package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/orion-homelab/orion/internal/contracts"
)

// MQTT QoS levels per message class. Telemetry tolerates loss; health
// drives watchdog semantics upstream; commands must arrive, emergency
// stops exactly once.
const (
	qosTelemetry = 0
	qosHealth    = 1
	qosCommand   = 2
)

// MQTTClient wraps the autopaho connection manager for the edge transports.
type MQTTClient struct {
	brokerURL string
	clientID  string
	deviceID  string

	mu         sync.RWMutex
	cm         *autopaho.ConnectionManager
	connected  bool
	onConnUp   func()
	onConnDown func(error)
	cmdHandler func(payload []byte)
}

// NewMQTTClient creates an unconnected client for a device.
func NewMQTTClient(brokerURL, clientID, deviceID string) *MQTTClient {
	return &MQTTClient{brokerURL: brokerURL, clientID: clientID, deviceID: deviceID}
}

// OnConnectionUp registers the connection-restored callback. The agent
// wires this to a watchdog reset.
func (m *MQTTClient) OnConnectionUp(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnUp = fn
}

// OnConnectionDown registers the connection-lost callback.
func (m *MQTTClient) OnConnectionDown(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnDown = fn
}

// IsConnected reports the broker connection state.
func (m *MQTTClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Connect establishes the auto-reconnecting broker session and waits for
// the initial connection.
func (m *MQTTClient) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(m.brokerURL)
	if err != nil {
		return fmt.Errorf("invalid broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     20,
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			slog.Info("[Edge] MQTT connected", "broker", m.brokerURL)
			m.mu.Lock()
			m.connected = true
			fn := m.onConnUp
			m.mu.Unlock()
			if fn != nil {
				fn()
			}
		},
		OnConnectError: func(err error) {
			slog.Warn("[Edge] MQTT connection error", "error", err)
			m.mu.Lock()
			wasConnected := m.connected
			m.connected = false
			fn := m.onConnDown
			m.mu.Unlock()
			if wasConnected && fn != nil {
				fn(err)
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: m.clientID,
			OnClientError: func(err error) {
				slog.Error("[Edge] MQTT client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				slog.Warn("[Edge] MQTT server disconnect", "code", d.ReasonCode)
				m.mu.Lock()
				m.connected = false
				fn := m.onConnDown
				m.mu.Unlock()
				if fn != nil {
					fn(fmt.Errorf("server disconnect: code=%d", d.ReasonCode))
				}
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.dispatch(pr.Packet)
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create mqtt connection: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connectCtx); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	return nil
}

func (m *MQTTClient) dispatch(p *paho.Publish) {
	m.mu.RLock()
	handler := m.cmdHandler
	m.mu.RUnlock()
	if handler != nil {
		handler(p.Payload)
	}
}

func (m *MQTTClient) manager() (*autopaho.ConnectionManager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cm == nil {
		return nil, fmt.Errorf("mqtt client not connected")
	}
	return m.cm, nil
}

func (m *MQTTClient) topic(suffix string) string {
	return fmt.Sprintf("orion/edge/%s/%s", m.deviceID, suffix)
}

// PublishTelemetry publishes one telemetry message at QoS 0.
func (m *MQTTClient) PublishTelemetry(ctx context.Context, t contracts.EdgeTelemetry) error {
	return m.publishJSON(ctx, m.topic("telemetry"), qosTelemetry, t)
}

// PublishHealth publishes one health heartbeat at QoS 1.
func (m *MQTTClient) PublishHealth(ctx context.Context, h contracts.EdgeHealth) error {
	return m.publishJSON(ctx, m.topic("health"), qosHealth, h)
}

func (m *MQTTClient) publishJSON(ctx context.Context, topic string, qos byte, msg any) error {
	cm, err := m.manager()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", topic, err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: qos, Payload: payload}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// SubscribeCommands subscribes to the mirrored command topic. The handler
// receives the raw payload; the agent validates and filters it.
func (m *MQTTClient) SubscribeCommands(ctx context.Context, handler func(payload []byte)) error {
	cm, err := m.manager()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cmdHandler = handler
	m.mu.Unlock()

	topic := m.topic("cmd/#")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qosCommand}},
	}); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	slog.Info("[Edge] Subscribed to MQTT commands", "topic", topic)
	return nil
}

// Close disconnects from the broker.
func (m *MQTTClient) Close(ctx context.Context) error {
	m.mu.RLock()
	cm := m.cm
	m.mu.RUnlock()
	if cm == nil {
		return nil
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return cm.Disconnect(disconnectCtx)
}
