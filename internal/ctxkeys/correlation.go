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

// Package ctxkeys holds the typed context keys angel and heaven thread
// through a job's lifetime so log lines can be correlated back to one run
// without a global job registry.
package ctxkeys

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// CorrelationID identifies one job run (one JobStart..JobEnd span).
	CorrelationID contextKey = "correlation-id"
	// Label identifies the switch port/label a log line concerns.
	Label contextKey = "label"
)

// GetCorrelationID returns the correlation ID string from context if present, else "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(CorrelationID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithCorrelationID returns a child context with the provided correlation ID stored.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, CorrelationID, id)
}

// GetLabel returns the switch label stored in context, if any.
func GetLabel(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(Label); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithLabel returns a child context carrying the given switch label.
func WithLabel(ctx context.Context, label string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, Label, label)
}

// EnsureCorrelationID returns a context that contains a correlation ID and
// the value itself. If absent on the input context, it generates a new one
// scoped to the start of a job run.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// NewCorrelationID generates a random UUIDv4 for a fresh job run, for
// callers that must mint a new ID even when the context already carries
// one from a prior run (e.g. a ResetJob command starting a new run on an
// existing angel context).
func NewCorrelationID() string {
	return uuid.NewString()
}
