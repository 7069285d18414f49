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

// Package jobmodel holds the data types shared between angel, heaven and
// octhulhu: job telemetry, derived status, and device facts discovered
// during a provisioning run.
package jobmodel

import (
	"encoding/json"
	"fmt"
)

// DeviceInfoKind discriminates a DeviceInformation variant.
type DeviceInfoKind string

const (
	DeviceInfoVendor       DeviceInfoKind = "Vendor"
	DeviceInfoModel        DeviceInfoKind = "Model"
	DeviceInfoSerialNumber DeviceInfoKind = "SerialNumber"
	DeviceInfoLoopDetected DeviceInfoKind = "LoopDetected"
	DeviceInfoCustom       DeviceInfoKind = "Custom"
)

// DeviceInformation is a typed fact recorded about a switch during a job.
// Vendor, Model and SerialNumber carry Value; LoopDetected carries neither;
// Custom carries a caller-defined CustomKind/Value pair for user-added facts
// declared via AddDeviceInfo in a state machine file.
type DeviceInformation struct {
	Kind       DeviceInfoKind
	Value      string
	CustomKind string
}

func Vendor(v string) DeviceInformation       { return DeviceInformation{Kind: DeviceInfoVendor, Value: v} }
func Model(v string) DeviceInformation        { return DeviceInformation{Kind: DeviceInfoModel, Value: v} }
func SerialNumber(v string) DeviceInformation { return DeviceInformation{Kind: DeviceInfoSerialNumber, Value: v} }
func LoopDetected() DeviceInformation         { return DeviceInformation{Kind: DeviceInfoLoopDetected} }
func Custom(kind, value string) DeviceInformation {
	return DeviceInformation{Kind: DeviceInfoCustom, CustomKind: kind, Value: value}
}

func (d DeviceInformation) Equal(o DeviceInformation) bool {
	return d.Kind == o.Kind && d.Value == o.Value && d.CustomKind == o.CustomKind
}

type deviceInfoWire struct {
	Type       DeviceInfoKind `json:"type"`
	Value      string         `json:"value,omitempty"`
	CustomKind string         `json:"kind,omitempty"`
}

func (d DeviceInformation) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceInfoWire{Type: d.Kind, Value: d.Value, CustomKind: d.CustomKind})
}

func (d *DeviceInformation) UnmarshalJSON(b []byte) error {
	var w deviceInfoWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Type {
	case DeviceInfoVendor, DeviceInfoModel, DeviceInfoSerialNumber, DeviceInfoLoopDetected, DeviceInfoCustom:
	default:
		return fmt.Errorf("jobmodel: unknown device information type %q", w.Type)
	}
	d.Kind = w.Type
	d.Value = w.Value
	d.CustomKind = w.CustomKind
	return nil
}

func (d DeviceInformation) String() string {
	switch d.Kind {
	case DeviceInfoLoopDetected:
		return "LoopDetected"
	case DeviceInfoCustom:
		return fmt.Sprintf("%s(%s)", d.CustomKind, d.Value)
	default:
		return fmt.Sprintf("%s(%s)", d.Kind, d.Value)
	}
}
