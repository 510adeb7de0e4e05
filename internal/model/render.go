package model

import (
	"fmt"
	"strings"
)

// RenderMode declares where a widget route is rendered.
type RenderMode string

// Render mode constants.
const (
	RenderClient RenderMode = "client"
	RenderServer RenderMode = "server"
)

// ParseRenderMode converts a case-insensitive string into a RenderMode.
func ParseRenderMode(s string) (RenderMode, error) {
	switch RenderMode(strings.ToLower(strings.TrimSpace(s))) {
	case RenderClient:
		return RenderClient, nil
	case RenderServer:
		return RenderServer, nil
	default:
		return "", fmt.Errorf("invalid render mode %q: must be %q or %q", s, RenderClient, RenderServer)
	}
}

// Valid reports whether m is one of the known render modes.
func (m RenderMode) Valid() bool {
	return m == RenderClient || m == RenderServer
}
