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

// Package broker adapts the cthulhu/<label>/{update,command} topic layout
// onto an MQTT connection, and provides an in-memory double for tests.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"cthulhu/internal/jobmodel"
	"cthulhu/internal/metrics"
)

// UpdateTopic returns the topic an angel publishes JobUpdate telemetry to
// for label.
func UpdateTopic(label string) string { return fmt.Sprintf("cthulhu/%s/update", label) }

// CommandTopic returns the topic an angel subscribes to for commands
// addressed to label.
func CommandTopic(label string) string { return fmt.Sprintf("cthulhu/%s/command", label) }

// Broker is the abstract handle the state-machine runtime and heaven
// consume: publish/subscribe by topic plus a receive stream. It is
// cloneable in spirit — concurrent Publish calls are safe and serialized
// inside the client — so callers may share one Broker across goroutines.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (<-chan Message, error)
	Close(ctx context.Context) error
}

// Message is one received publish.
type Message struct {
	Topic   string
	Payload []byte
}

// PublishUpdate JSON-encodes u and publishes it to label's update topic.
// Adapter.PublishUpdate wraps it to implement statemachine.Publisher.
func PublishUpdate(ctx context.Context, b Broker, label string, u jobmodel.JobUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("broker: marshal job update: %w", err)
	}
	err = b.Publish(ctx, UpdateTopic(label), payload)
	metrics.IncBrokerPublish("update", outcomeLabel(err))
	return err
}

// PublishCommand JSON-encodes c and publishes it to label's command topic.
func PublishCommand(ctx context.Context, b Broker, label string, c jobmodel.JobCommand) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("broker: marshal job command: %w", err)
	}
	err = b.Publish(ctx, CommandTopic(label), payload)
	metrics.IncBrokerPublish("command", outcomeLabel(err))
	return err
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// BroadcastCommand publishes c to every label's command topic.
func BroadcastCommand(ctx context.Context, b Broker, labels []string, c jobmodel.JobCommand) error {
	for _, label := range labels {
		if err := PublishCommand(ctx, b, label, c); err != nil {
			return err
		}
	}
	return nil
}

// DecodeUpdate parses a received update payload.
func DecodeUpdate(payload []byte) (jobmodel.JobUpdate, error) {
	var u jobmodel.JobUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return jobmodel.JobUpdate{}, fmt.Errorf("broker: decode job update: %w", err)
	}
	return u, nil
}

// Adapter wraps a Broker to satisfy statemachine.Publisher, so a Runner can
// publish JobUpdate telemetry without this package importing statemachine.
type Adapter struct {
	Broker Broker
}

// PublishUpdate implements statemachine.Publisher.
func (a Adapter) PublishUpdate(ctx context.Context, label string, u jobmodel.JobUpdate) error {
	return PublishUpdate(ctx, a.Broker, label, u)
}

// PublishCommand implements tracker.CommandPublisher, so the Port Tracker
// can issue ResetJob on hot-plug without importing this package's concrete
// Broker type.
func (a Adapter) PublishCommand(ctx context.Context, label string, c jobmodel.JobCommand) error {
	return PublishCommand(ctx, a.Broker, label, c)
}

// DecodeCommand parses a received command payload.
func DecodeCommand(payload []byte) (jobmodel.JobCommand, error) {
	var c jobmodel.JobCommand
	if err := json.Unmarshal(payload, &c); err != nil {
		return jobmodel.JobCommand{}, fmt.Errorf("broker: decode job command: %w", err)
	}
	return c, nil
}
