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

package statemachine

import (
	"context"
	"strings"

	"cthulhu/internal/jobmodel"
)

// BuiltinFunctions returns the Function actions declaration files can
// reference by name without an angel-specific registration step: capturing
// a Regex trigger's matched text straight into device info, the same role
// the original's pfunc.rs process functions played for the few functions
// that only ever touched job state, not hardware outside the Expect
// Engine.
func BuiltinFunctions() FunctionRegistry {
	return FunctionRegistry{
		"capture_vendor":        captureDeviceInfo(jobmodel.Vendor),
		"capture_model":         captureDeviceInfo(jobmodel.Model),
		"capture_serial_number": captureDeviceInfo(jobmodel.SerialNumber),
	}
}

// captureDeviceInfo builds a Function that records the transition's matched
// needle text (trimmed) as one DeviceInformation item, via the constructor
// named by make (jobmodel.Vendor, jobmodel.Model, jobmodel.SerialNumber).
func captureDeviceInfo(make func(string) jobmodel.DeviceInformation) Function {
	return func(_ context.Context, ac *ActionContext) error {
		ac.Effects.AddDeviceInfo(make(strings.TrimSpace(ac.Matched)))
		return nil
	}
}
