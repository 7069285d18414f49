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

// Package serialport adapts go.bug.st/serial into the expect.Channel
// interface angel drives a switch console through, and implements USB/TCP
// discovery of Octhulhu boards.
package serialport

import (
	"fmt"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port wraps a go.bug.st/serial port as an expect.Channel.
type Port struct {
	p serial.Port
}

// Open opens name at baud, 8N1, matching the original tool's fixed framing.
func Open(name string, baud int) (*Port, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", name, err)
	}
	return &Port{p: p}, nil
}

func (s *Port) Read(b []byte) (int, error)  { return s.p.Read(b) }
func (s *Port) Write(b []byte) (int, error) { return s.p.Write(b) }
func (s *Port) Flush() error                { return s.p.ResetOutputBuffer() }
func (s *Port) Close() error                { return s.p.Close() }

// USBFilter is one accepted (vendor, product) pair from the discovery
// filter.
type USBFilter struct{ VID, PID string }

// DefaultUSBFilters is the Octhulhu board's two accepted (VID,PID) pairs.
var DefaultUSBFilters = []USBFilter{
	{VID: "16C0", PID: "27DD"},
	{VID: "05A6", PID: "0009"},
}

// Candidate is a discovered serial device, with whatever identification
// fields the platform's enumerator exposed.
type Candidate struct {
	Name         string
	VID, PID     string
	SerialNumber string
}

// DiscoverUSB lists serial ports and filters to those matching one of
// filters by VID/PID, being a USB device, and carrying a serial number.
//
// The upstream spec additionally requires manufacturer=="Cthulhu" and
// product=="Octhulhu" string matches; go.bug.st/serial/enumerator's
// PortDetails exposes only VID, PID, and SerialNumber on most platforms, not
// manufacturer/product strings (a libusb-level query the enumerator package
// doesn't surface portably). This is a documented capability gap: the
// VID/PID+serial-number-present filter is enforced exactly, the
// manufacturer/product string check is not — see DESIGN.md.
func DiscoverUSB(filters []USBFilter) ([]Candidate, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("serialport: enumerate: %w", err)
	}
	var out []Candidate
	for _, p := range ports {
		if !p.IsUSB || p.SerialNumber == "" {
			continue
		}
		if !matchesFilter(filters, p.VID, p.PID) {
			continue
		}
		out = append(out, Candidate{Name: p.Name, VID: p.VID, PID: p.PID, SerialNumber: p.SerialNumber})
	}
	return out, nil
}

func matchesFilter(filters []USBFilter, vid, pid string) bool {
	for _, f := range filters {
		if equalFoldHex(f.VID, vid) && equalFoldHex(f.PID, pid) {
			return true
		}
	}
	return false
}

func equalFoldHex(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'a' && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if cb >= 'a' && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
