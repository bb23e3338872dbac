// Package hub multiplexes logical per-entity subscriptions over one
// resilient push connection. This file defines the wire message families
// exchanged with the upstream push source.
package hub

import (
	"encoding/json"

	"github.com/freightoptimization/tracking/internal/domain"
)

// Outbound operations.
const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
)

// Inbound event names.
const (
	eventPositionUpdate = "position_update"
	eventLoadStatus     = "load_status"
)

// controlMessage is the outbound subscribe/unsubscribe frame.
type controlMessage struct {
	Op         string            `json:"op"`
	EntityID   string            `json:"entityId"`
	EntityType domain.EntityType `json:"entityType"`
}

// pushEvent is the inbound frame envelope. Exactly one of the event
// families is populated depending on Event.
type pushEvent struct {
	Event string `json:"event"`

	// position_update
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// load_status
	LoadID  string          `json:"loadId,omitempty"`
	Status  string          `json:"status,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// LoadStatusEvent is delivered to load-status listeners when the upstream
// pushes a load_status frame.
type LoadStatusEvent struct {
	LoadID  string          `json:"load_id"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}
