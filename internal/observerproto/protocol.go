package observerproto

import (
	"encoding/json"

	"radicalpixels.io/internal/protocol"
)

// Version is the observer protocol version (separate from the command WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeReceipt   = "RECEIPT"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional filters; empty matches everything.
	Actor  string  `json:"actor,omitempty"`
	Region *Region `json:"region,omitempty"`
	// Receipts of failed commands are skipped unless IncludeFailed is set.
	IncludeFailed bool `json:"include_failed,omitempty"`
}

// Region is an inclusive coordinate rectangle.
type Region struct {
	X0 uint32 `json:"x0"`
	Y0 uint32 `json:"y0"`
	X1 uint32 `json:"x1"`
	Y1 uint32 `json:"y1"`
}

func (r Region) Contains(x, y uint32) bool {
	return x >= r.X0 && x <= r.X1 && y >= r.Y0 && y <= r.Y1
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string                  `json:"protocol_version"`
	RegistryID      string                  `json:"registry_id"`
	Seq             uint64                  `json:"seq"`
	LastTime        int64                   `json:"last_time"`
	Chain           string                  `json:"chain"`
	Params          protocol.RegistryParams `json:"params"`
}

// Server -> Client. One per sequenced command that passes the filter.
type ReceiptMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	Receipt         json.RawMessage `json:"receipt"`
}
