package wire

import (
	"encoding/json"
	"testing"
)

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeAppPairSuccess, PairSuccess{RunnerID: "runner-1", PairedAt: 1234})
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeAppPairSuccess {
		t.Fatalf("expected type preserved, got %q", env.Type)
	}

	var decoded PairSuccess
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.RunnerID != "runner-1" || decoded.PairedAt != 1234 {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestNewEnvelopeNilPayload(t *testing.T) {
	env, err := NewEnvelope(TypeAppUnpairSuccess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Payload != nil {
		t.Fatalf("expected no payload bytes for a nil payload, got %q", env.Payload)
	}
}

func TestEnvelopeMarshalsOmitsEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeAppUnpair}
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if _, hasPayload := m["payload"]; hasPayload {
		t.Fatal("expected payload field omitted when empty")
	}
}
