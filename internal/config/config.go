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

// Package config loads the TOML configuration for angel, heaven, and
// octhulhu, plus the state-machine declaration files angel builds its Spec
// from.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// AngelConfig configures one angel process: which serial port it drives,
// which broker to publish to, and which declaration files make up its state
// machine.
type AngelConfig struct {
	Label           string            `toml:"label"`
	SerialPort      string            `toml:"serial_port"`
	BaudRate        int               `toml:"baud_rate"`
	BrokerURL       string            `toml:"broker_url"`
	BrokerUsername  string            `toml:"broker_username"`
	BrokerPassword  string            `toml:"broker_password"`
	StateMachineDir string            `toml:"state_machine_dir"`
	DeclarationFiles []string         `toml:"declaration_files"`
	JobConfig       map[string]string `toml:"job_config"`
	LongRunningSecs int               `toml:"long_running_seconds"`
	LogDir          string            `toml:"log_dir"`
}

// LongRunningThreshold returns T1 as a time.Duration, defaulting to 300s.
func (c AngelConfig) LongRunningThreshold() time.Duration {
	if c.LongRunningSecs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.LongRunningSecs) * time.Second
}

// PortMapping is one entry in heaven/octhulhu's {label -> board/port}
// bijection.
type PortMapping struct {
	Label       string `toml:"label"`
	BoardSerial string `toml:"board_serial"`
	PortIndex   int    `toml:"port_index"`
}

// HeavenConfig configures the farm controller: which broker to subscribe
// to and the web surface bind address.
type HeavenConfig struct {
	BrokerURL       string        `toml:"broker_url"`
	BrokerUsername  string        `toml:"broker_username"`
	BrokerPassword  string        `toml:"broker_password"`
	ListenAddr      string        `toml:"listen_addr"`
	Ports           []PortMapping `toml:"ports"`
	LongRunningSecs int           `toml:"long_running_seconds"`
}

// LongRunningThreshold mirrors AngelConfig's.
func (c HeavenConfig) LongRunningThreshold() time.Duration {
	if c.LongRunningSecs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.LongRunningSecs) * time.Second
}

// OcthulhuConfig configures the board-presence/LED agent: which boards to
// discover (USB and/or TCP) and the broker to consume job updates from and
// publish reset commands through.
type OcthulhuConfig struct {
	BrokerURL       string        `toml:"broker_url"`
	BrokerUsername  string        `toml:"broker_username"`
	BrokerPassword  string        `toml:"broker_password"`
	Ports           []PortMapping `toml:"ports"`
	TCPBoards       []string      `toml:"tcp_boards"`
	PollMillis      int           `toml:"poll_millis"`
	LongRunningSecs int           `toml:"long_running_seconds"`
}

// PollInterval returns the board poll interval, defaulting to 250ms.
func (c OcthulhuConfig) PollInterval() time.Duration {
	if c.PollMillis <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.PollMillis) * time.Millisecond
}

// LongRunningThreshold mirrors AngelConfig's, so octhulhu's Tracker derives
// the same RunningLong LED color boundary as the angel that reported it.
func (c OcthulhuConfig) LongRunningThreshold() time.Duration {
	if c.LongRunningSecs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.LongRunningSecs) * time.Second
}

// LoadAngelConfig reads and parses an angel TOML config file.
func LoadAngelConfig(path string) (AngelConfig, error) {
	var c AngelConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: load angel config %s: %w", path, err)
	}
	if c.Label == "" {
		return c, fmt.Errorf("config: %s: label is required", path)
	}
	return c, nil
}

// LoadHeavenConfig reads and parses a heaven TOML config file.
func LoadHeavenConfig(path string) (HeavenConfig, error) {
	var c HeavenConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: load heaven config %s: %w", path, err)
	}
	return c, nil
}

// LoadOcthulhuConfig reads and parses an octhulhu TOML config file.
func LoadOcthulhuConfig(path string) (OcthulhuConfig, error) {
	var c OcthulhuConfig
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("config: load octhulhu config %s: %w", path, err)
	}
	return c, nil
}

// DeclarationFile is one named state-machine declaration file's raw
// contents, in the order it should be merged.
type DeclarationFile struct {
	Name string
	Data []byte
}

// ReadDeclarationFiles reads each named state-machine declaration file in
// order, for statemachine.Builder's later-overrides-earlier merge.
func ReadDeclarationFiles(paths []string) ([]DeclarationFile, error) {
	out := make([]DeclarationFile, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("config: read declaration file %s: %w", p, err)
		}
		out = append(out, DeclarationFile{Name: p, Data: b})
	}
	return out, nil
}
