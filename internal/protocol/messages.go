package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	Actor           string            `json:"actor"`
	Capabilities    HelloCapabilities `json:"capabilities"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	SessionID       string         `json:"session_id"`
	Actor           string         `json:"actor"`
	RegistryID      string         `json:"registry_id"`
	Params          RegistryParams `json:"params"`
}

type RegistryParams struct {
	XMax                   uint32 `json:"x_max"`
	YMax                   uint32 `json:"y_max"`
	TaxRateBps             uint32 `json:"tax_rate_bps"`
	TaxCollector           string `json:"tax_collector"`
	AuctionDurationSeconds int64  `json:"auction_duration_seconds"`
	Decimals               int32  `json:"decimals"`
}

// CMD (client -> server)
type CmdMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Command         Command `json:"command"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RequestID       string          `json:"request_id,omitempty"`
	Seq             uint64          `json:"seq,omitempty"`
	OK              bool            `json:"ok"`
	Code            string          `json:"code,omitempty"`
	Message         string          `json:"message,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}
