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

package serialport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrNoIdentityLine is returned by DiscoverTCP when no line starting with
// "I" arrived within the discovery window.
var ErrNoIdentityLine = fmt.Errorf("serialport: no identity line received")

// discoveryWindow is the read deadline for a TCP discovery handshake.
const discoveryWindow = 10 * time.Second

// DiscoverTCP connects to hostport, sends the discovery probe "\n\nI\n", and
// reads lines for up to 10 seconds. The first line starting with "I" yields
// the device serial number as everything after that prefix.
func DiscoverTCP(ctx context.Context, hostport string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		return "", fmt.Errorf("serialport: dial %s: %w", hostport, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("\n\nI\n")); err != nil {
		return "", fmt.Errorf("serialport: probe %s: %w", hostport, err)
	}

	deadline := time.Now().Add(discoveryWindow)
	conn.SetReadDeadline(deadline)
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "I") {
			return strings.TrimPrefix(line, "I"), nil
		}
		if time.Now().After(deadline) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("serialport: read %s: %w", hostport, err)
	}
	return "", fmt.Errorf("%w: %s", ErrNoIdentityLine, hostport)
}
