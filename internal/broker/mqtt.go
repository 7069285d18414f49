// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// qosForTopic picks QoS 0 for the frequent presence-derived update topics
// and QoS 1 (at-least-once) for everything else, chiefly commands, which
// must not be silently dropped on a flaky link.
func qosForTopic(topic string) byte {
	if strings.HasSuffix(topic, "/update") {
		return 0
	}
	return 1
}

// Config configures an MQTT-backed Broker.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	KeepAlive uint16
}

// MQTT is a Broker backed by an autopaho connection manager. It reconnects
// transparently; Publish and Subscribe are safe for concurrent use.
type MQTT struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	mu   sync.Mutex
	subs map[string][]chan Message
}

// Dial starts connecting to the configured broker and waits up to 30
// seconds for the first successful connection. If none arrives in that time
// it logs a warning and returns the client anyway, leaving autopaho to keep
// retrying in the background.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse broker url: %w", err)
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30
	}

	m := &MQTT{cfg: cfg, logger: logger, subs: map[string][]chan Message{}}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       cfg.KeepAlive,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected", "broker", cfg.BrokerURL)
			m.resubscribeAll(cm)
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				m.dispatch,
			},
		},
	}
	if u.Scheme == "mqtts" || u.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("broker: connect: %w", err)
	}
	m.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return m, nil
}

func (m *MQTT) dispatch(pr autopaho.PublishReceived) (bool, error) {
	m.mu.Lock()
	chans := append([]chan Message(nil), m.subs[pr.Packet.Topic]...)
	m.mu.Unlock()
	msg := Message{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload}
	for _, ch := range chans {
		select {
		case ch <- msg:
		default:
			m.logger.Warn("mqtt subscriber channel full, dropping message", "topic", pr.Packet.Topic)
		}
	}
	return true, nil
}

func (m *MQTT) resubscribeAll(cm *autopaho.ConnectionManager) {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	m.mu.Unlock()
	for _, t := range topics {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: t, QoS: qosForTopic(t)}},
		}); err != nil {
			m.logger.Warn("mqtt resubscribe failed", "topic", t, "error", err)
		}
	}
}

// Publish implements Broker. Update topics publish at QoS 0: a dropped
// presence update is superseded by the next one moments later. Every other
// topic, chiefly commands, publishes at QoS 1.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := m.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: qosForTopic(topic)})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements Broker: it registers topic with the broker (if not
// already subscribed) and returns a channel of messages received on it.
func (m *MQTT) Subscribe(ctx context.Context, topic string) (<-chan Message, error) {
	ch := make(chan Message, 32)
	m.mu.Lock()
	_, already := m.subs[topic]
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	if !already {
		if _, err := m.cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qosForTopic(topic)}},
		}); err != nil {
			return nil, fmt.Errorf("broker: subscribe %s: %w", topic, err)
		}
	}
	return ch, nil
}

// Close implements Broker.
func (m *MQTT) Close(ctx context.Context) error {
	return m.cm.Disconnect(ctx)
}
