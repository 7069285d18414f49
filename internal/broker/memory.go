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
	"sync"
)

// Memory is an in-process Broker double: Publish fans a message out to
// every channel currently subscribed to that exact topic. It never touches
// the network, for use in tests and in octhulhu/heaven unit tests that
// don't need a real MQTT broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]chan Message
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{subs: map[string][]chan Message{}}
}

// Publish implements Broker.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	chans := append([]chan Message(nil), m.subs[topic]...)
	m.mu.Unlock()
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range chans {
		ch <- msg
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(_ context.Context, topic string) (<-chan Message, error) {
	ch := make(chan Message, 32)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()
	return ch, nil
}

// Close implements Broker.
func (m *Memory) Close(_ context.Context) error { return nil }
