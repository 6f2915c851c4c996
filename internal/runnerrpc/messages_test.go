package runnerrpc

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestRegisterRequestRoundTrip(t *testing.T) {
	want := registerRequest{RunnerID: "runner-1", Secret: "s3cret", PairingCode: "ignored-from-wire"}
	s, err := want.toStruct()
	if err != nil {
		t.Fatal(err)
	}
	got := registerRequestFromStruct(s)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRegisterResponseRoundTrip(t *testing.T) {
	want := registerResponse{RunnerID: "runner-1", PairingCode: "ABC-DEF-GHI"}
	s, err := want.toStruct()
	if err != nil {
		t.Fatal(err)
	}
	got := registerResponseFromStruct(s)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRegisterResponseErrorRoundTrip(t *testing.T) {
	want := registerResponse{ErrorCode: "DUPLICATE_CODE", Message: "registration exhausted after retries"}
	s, err := want.toStruct()
	if err != nil {
		t.Fatal(err)
	}
	got := registerResponseFromStruct(s)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestHeartbeatRequestRoundTrip(t *testing.T) {
	want := heartbeatRequest{RunnerID: "runner-1"}
	s, err := want.toStruct()
	if err != nil {
		t.Fatal(err)
	}
	got := heartbeatRequestFromStruct(s)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestOpenSessionEventRoundTrip(t *testing.T) {
	want := OpenSessionEvent{SessionID: "sess-1", AppID: "app-1"}
	s, err := want.ToStruct()
	if err != nil {
		t.Fatal(err)
	}
	got := OpenSessionEventFromStruct(s)
	if got != want {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestRegisterRequestFromStructHandlesMissingFields(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{"runnerId": "runner-1"})
	if err != nil {
		t.Fatal(err)
	}
	got := registerRequestFromStruct(s)
	if got.RunnerID != "runner-1" || got.Secret != "" || got.PairingCode != "" {
		t.Fatalf("expected missing fields to zero-value, got %+v", got)
	}
}
