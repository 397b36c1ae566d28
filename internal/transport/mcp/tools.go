package mcp

import (
	"strings"

	"radicalpixels.io/internal/protocol"
)

type tool struct {
	op          protocol.Op
	description string
	// fields lists the argument properties the tool reads.
	fields []string
	// required lists the arguments that must be present.
	required []string
}

var tools = []tool{
	{protocol.OpDeposit, "Credit amount to the caller's balance.", []string{"amount"}, []string{"amount"}},
	{protocol.OpWithdraw, "Debit amount from the caller's balance.", []string{"amount"}, []string{"amount"}},
	{protocol.OpBuyUnowned, "Claim unowned cells at self-assessed prices, paying the collector.", []string{"cells", "sent"}, []string{"cells"}},
	{protocol.OpBuy, "Buy owned cells at their current price and set new prices.", []string{"cells", "sent"}, []string{"cells"}},
	{protocol.OpSetPrice, "Re-assess the price of cells the caller owns.", []string{"cells"}, []string{"cells"}},
	{protocol.OpSettle, "Settle accrued tax on one cell.", []string{"cells"}, []string{"cells"}},
	{protocol.OpBeginAuction, "Start an auction for a cell whose owner can no longer pay its tax.", []string{"cells"}, []string{"cells"}},
	{protocol.OpBid, "Bid on an open auction.", []string{"cells", "amount", "sent"}, []string{"cells", "amount"}},
	{protocol.OpEndAuction, "Close an auction after its end time.", []string{"cells"}, []string{"cells"}},
	{protocol.OpBalance, "Read an actor's balance and owned cells.", []string{"actor"}, nil},
	{protocol.OpCell, "Read one cell.", []string{"cells"}, []string{"cells"}},
	{protocol.OpAuction, "Read the auction for one cell.", []string{"cells"}, []string{"cells"}},
}

var properties = map[string]any{
	"actor":  map[string]any{"type": "string", "description": "actor to read (defaults to the caller)"},
	"amount": map[string]any{"type": "integer", "minimum": 0},
	"sent":   map[string]any{"type": "integer", "minimum": 0, "description": "value attached and credited before the purchase"},
	"cells": map[string]any{
		"type":     "array",
		"minItems": 1,
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"x":       map[string]any{"type": "integer", "minimum": 0},
				"y":       map[string]any{"type": "integer", "minimum": 0},
				"price":   map[string]any{"type": "integer", "minimum": 0},
				"content": map[string]any{"type": "string", "contentEncoding": "base64"},
			},
			"required": []string{"x", "y"},
		},
	},
}

func (t tool) name() string { return "radicalpixels." + strings.ToLower(string(t.op)) }

func (t tool) descriptor() map[string]any {
	props := map[string]any{"request_id": map[string]any{"type": "string"}}
	for _, f := range t.fields {
		props[f] = properties[f]
	}
	schema := map[string]any{"type": "object", "properties": props, "additionalProperties": false}
	if len(t.required) > 0 {
		schema["required"] = t.required
	}
	return map[string]any{"name": t.name(), "description": t.description, "inputSchema": schema}
}

func toolList() []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.descriptor())
	}
	return out
}

func toolByName(name string) (tool, bool) {
	for _, t := range tools {
		if t.name() == name {
			return t, true
		}
	}
	return tool{}, false
}
