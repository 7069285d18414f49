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

// Package boardagent owns one octhulhu board connection: it issues presence
// polls and LED writes over the line protocol in internal/board, and
// decodes the board's replies for the port tracker's event streams.
package boardagent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"cthulhu/internal/board"
	"cthulhu/internal/tracker"
)

// Link is one open connection to a board, serial or TCP; both satisfy
// io.ReadWriter so one implementation serves both transports.
type Link struct {
	BoardSerial string

	rw      io.ReadWriter
	writeMu sync.Mutex
}

// NewLink wraps an open connection to the board identified by serial.
func NewLink(serial string, rw io.ReadWriter) *Link {
	return &Link{BoardSerial: serial, rw: rw}
}

func (l *Link) sendLine(s string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := io.WriteString(l.rw, s+"\r\n")
	return err
}

// RequestPresence asks the board for a switch-presence snapshot.
func (l *Link) RequestPresence() error { return l.sendLine(board.EncodePresenceRequest()) }

// RequestModules asks the board for a module-presence snapshot.
func (l *Link) RequestModules() error { return l.sendLine(board.EncodeModuleRequest()) }

// WriteLED sets port idx to (r,g,b) and commits it, the set+commit pair
// EncodeLEDCommand describes.
func (l *Link) WriteLED(idx, r, g, b byte) error {
	setLine, commitLine := board.EncodeLEDCommand(idx, r, g, b)
	if err := l.sendLine(setLine); err != nil {
		return fmt.Errorf("boardagent: send led set line: %w", err)
	}
	if err := l.sendLine(commitLine); err != nil {
		return fmt.Errorf("boardagent: send led commit line: %w", err)
	}
	return nil
}

type lineResult struct {
	line string
	err  error
}

// ReadEvents scans CRLF-terminated lines from the link until ctx is
// cancelled or the connection ends, calling onEvent for each parsed line.
// Unknown/malformed lines are still delivered as board.EventUnknown so
// callers can log them; ParseLine itself never errors.
func (l *Link) ReadEvents(ctx context.Context, onEvent func(board.Event)) error {
	scanner := bufio.NewScanner(l.rw)
	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- lineResult{line: scanner.Text()}
		}
		if err := scanner.Err(); err != nil {
			lines <- lineResult{err: err}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-lines:
			if !ok {
				return io.EOF
			}
			if res.err != nil {
				return fmt.Errorf("boardagent: read from %s: %w", l.BoardSerial, res.err)
			}
			ev, err := board.ParseLine(strings.TrimRight(res.line, "\r"))
			if err != nil {
				continue
			}
			onEvent(ev)
		}
	}
}

// Manager fans tracker LED writes out to the Link owning the target board,
// and is the registry octhulhu's reader goroutines and poll loop share.
type Manager struct {
	mu    sync.Mutex
	links map[string]*Link
}

// NewManager creates an empty board registry.
func NewManager() *Manager { return &Manager{links: map[string]*Link{}} }

// Add registers l, keyed by its board serial number.
func (m *Manager) Add(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[l.BoardSerial] = l
}

// Links returns a snapshot of the currently registered links, for the poll
// loop to iterate without holding the manager lock.
func (m *Manager) Links() []*Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// WriteLED implements tracker.LEDWriter.
func (m *Manager) WriteLED(_ context.Context, key tracker.PortKey, c tracker.Color) error {
	m.mu.Lock()
	l, ok := m.links[key.BoardSerial]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("boardagent: unknown board %s", key.BoardSerial)
	}
	return l.WriteLED(byte(key.PortIndex), c.R, c.G, c.B)
}
