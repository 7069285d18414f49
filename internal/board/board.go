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

// Package board implements the octhulhu board's line-oriented serial
// framing: presence/module snapshot requests and responses, and LED write
// commands.
package board

import (
	"fmt"
	"strings"
)

// EventKind discriminates a parsed line from the board.
type EventKind int

const (
	EventPresence EventKind = iota
	EventModule
	EventUnknown
)

// Event is one line received from the board, terminated by CRLF on the
// wire but stripped here.
type Event struct {
	Kind    EventKind
	Bits    [8]bool // valid for EventPresence/EventModule: port i's bit
	RawLine string  // valid for EventUnknown: the full line verbatim
}

// ParseLine parses one CRLF-stripped line from the board into an Event.
// Lines starting with 'P' or 'M' must be followed by exactly 8 '0'/'1'
// characters; anything else yields EventUnknown carrying the raw line.
func ParseLine(line string) (Event, error) {
	if len(line) == 9 && (line[0] == 'P' || line[0] == 'M') {
		bits, err := parseBits(line[1:])
		if err == nil {
			kind := EventPresence
			if line[0] == 'M' {
				kind = EventModule
			}
			return Event{Kind: kind, Bits: bits}, nil
		}
	}
	return Event{Kind: EventUnknown, RawLine: line}, nil
}

func parseBits(s string) ([8]bool, error) {
	var bits [8]bool
	for i := 0; i < 8; i++ {
		switch s[i] {
		case '0':
			bits[i] = false
		case '1':
			bits[i] = true
		default:
			return bits, fmt.Errorf("board: bad bit %q at position %d", s[i], i)
		}
	}
	return bits, nil
}

// EncodePresenceRequest builds the "Pxx" presence snapshot request line
// (without the trailing CRLF, added by the caller's write primitive).
func EncodePresenceRequest() string { return "Pxx" }

// EncodeModuleRequest builds the "Mxx" module snapshot request line.
func EncodeModuleRequest() string { return "Mxx" }

// EncodeLEDCommand builds the two lines that set port idx to color (r,g,b)
// and commit it: "S" followed by IIRRGGBB as uppercase hex with no spaces
// (e.g. "S03FF0099"), then "F". Callers send each with
// SendLine so the CRLF terminators land on the wire.
func EncodeLEDCommand(idx, r, g, b byte) (setLine, commitLine string) {
	return fmt.Sprintf("S%02X%02X%02X%02X", idx, r, g, b), "F"
}

// BitsString renders bits as the wire representation used in Event.RawLine-style
// diagnostics, e.g. "00000001".
func BitsString(bits [8]bool) string {
	var sb strings.Builder
	for _, b := range bits {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
