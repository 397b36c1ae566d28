package protocol_test

import (
	"encoding/json"
	"testing"

	"radicalpixels.io/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if err := v.ValidateHello([]byte(`{"type":"HELLO","protocol_version":"1.0","actor":"alice","capabilities":{"max_queue":8}}`)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := v.ValidateHello([]byte(`{"type":"HELLO","protocol_version":"1.0","actor":"@escrow"}`)); err == nil {
		t.Fatalf("expected reserved actor rejected")
	}

	cmd := protocol.CmdMsg{
		Type:            protocol.TypeCmd,
		ProtocolVersion: protocol.Version,
		Command: protocol.Command{
			RequestID: "r1",
			Op:        protocol.OpBuyUnowned,
			Actor:     "alice",
			Sent:      1_000_000_000,
			Cells: []protocol.CellArg{
				{X: 0, Y: 0, Price: 1_000_000_000, Content: []byte{0, 0, 0}},
				{X: 999, Y: 999, Price: 18_000_000_000_000_000_000},
			},
		},
	}
	raw, _ := json.Marshal(cmd)
	if err := v.ValidateCmd(raw); err != nil {
		t.Fatalf("cmd: %v", err)
	}
}

func TestSchemas_RejectMalformedCommands(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	bad := []string{
		`{"type":"CMD","protocol_version":"1.0","command":{"op":"MINT"}}`,
		`{"type":"CMD","protocol_version":"1.0","command":{"op":"BUY","cells":[{"x":-1,"y":0}]}}`,
		`{"type":"CMD","protocol_version":"1.0","command":{"op":"BID","amount":1.5}}`,
		`{"type":"CMD","protocol_version":"1.0","command":{"op":"BID","extra":true}}`,
		`{"type":"CMD","protocol_version":"1.0"}`,
	}
	for _, b := range bad {
		if err := v.ValidateCmd([]byte(b)); err == nil {
			t.Fatalf("expected rejection: %s", b)
		}
	}
}
