package runnerrpc

import "google.golang.org/protobuf/types/known/structpb"

// The helpers below convert between the Go structs each RPC deals in and
// the structpb.Struct values that travel on the wire. Keeping the
// conversions here, rather than passing maps around call sites, keeps
// every field name typed in exactly one place.

type registerRequest struct {
	RunnerID string
	Secret   string
	// PairingCode is accepted for wire compatibility but ignored: code
	// generation and uniqueness are owned exclusively by the allocator.
	PairingCode string
}

func (r registerRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"runnerId":    r.RunnerID,
		"secret":      r.Secret,
		"pairingCode": r.PairingCode,
	})
}

func registerRequestFromStruct(s *structpb.Struct) registerRequest {
	fields := s.AsMap()
	r := registerRequest{}
	r.RunnerID, _ = fields["runnerId"].(string)
	r.Secret, _ = fields["secret"].(string)
	r.PairingCode, _ = fields["pairingCode"].(string)
	return r
}

type registerResponse struct {
	RunnerID    string
	PairingCode string
	ErrorCode   string
	Message     string
}

func (r registerResponse) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"runnerId":    r.RunnerID,
		"pairingCode": r.PairingCode,
		"errorCode":   r.ErrorCode,
		"message":     r.Message,
	})
}

func registerResponseFromStruct(s *structpb.Struct) registerResponse {
	fields := s.AsMap()
	r := registerResponse{}
	r.RunnerID, _ = fields["runnerId"].(string)
	r.PairingCode, _ = fields["pairingCode"].(string)
	r.ErrorCode, _ = fields["errorCode"].(string)
	r.Message, _ = fields["message"].(string)
	return r
}

type heartbeatRequest struct {
	RunnerID string
}

func (r heartbeatRequest) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"runnerId": r.RunnerID})
}

func heartbeatRequestFromStruct(s *structpb.Struct) heartbeatRequest {
	fields := s.AsMap()
	r := heartbeatRequest{}
	r.RunnerID, _ = fields["runnerId"].(string)
	return r
}

// OpenSessionEvent is pushed down the Events stream when connect_runner
// succeeds, instructing the Runner to open a pseudo-terminal session.
type OpenSessionEvent struct {
	SessionID string
	AppID     string
}

func (e OpenSessionEvent) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":      "open_session",
		"sessionId": e.SessionID,
		"appId":     e.AppID,
	})
}

func OpenSessionEventFromStruct(s *structpb.Struct) OpenSessionEvent {
	fields := s.AsMap()
	e := OpenSessionEvent{}
	e.SessionID, _ = fields["sessionId"].(string)
	e.AppID, _ = fields["appId"].(string)
	return e
}
