// Package wire defines the JSON message envelope and payload shapes
// exchanged between the Broker and Apps over the WebSocket transport.
// The envelope mirrors the Broker's existing push-notification shape
// (Type/Payload) but carries Payload as json.RawMessage rather than any:
// unlike a server-push-only feed, this protocol is bidirectional, and
// inbound App-originated frames must decode their payload against a
// type determined by the envelope's Type field before the concrete
// struct is known.
package wire

import "encoding/json"

// Type identifies the kind of frame. The suffix convention mirrors the
// Broker's external interface: a request's Type names the action, and
// its response uses ":success"/":error"/":response" to distinguish
// itself while remaining associated with the same conversation.
type Type string

const (
	TypeAppPair               Type = "app:pair"
	TypeAppPairSuccess        Type = "app:pair:success"
	TypeAppPairError          Type = "app:pair:error"
	TypeAppPairingStatus      Type = "app:pairing:status"
	TypeAppPairingStatusReply Type = "app:pairing:status:response"
	TypeAppUnpair             Type = "app:unpair"
	TypeAppUnpairSuccess      Type = "app:unpair:success"
	TypeAppUnpairError        Type = "app:unpair:error"

	TypeRunnerOnline  Type = "runner:online"
	TypeRunnerOffline Type = "runner:offline"

	TypeConnectRunner      Type = "connect_runner"
	TypeConnectRunnerAck   Type = "connect_runner:ack"
	TypeConnectRunnerError Type = "connect_runner:error"
)

// ErrorKind is one of the stable, language-independent error identifiers
// surfaced to clients. Message strings are advisory only and must not be
// parsed by clients; Kind is the contract.
type ErrorKind string

const (
	ErrInvalidFormat     ErrorKind = "INVALID_FORMAT"
	ErrCodeNotFound      ErrorKind = "CODE_NOT_FOUND"
	ErrCodeExpired       ErrorKind = "CODE_EXPIRED"
	ErrDuplicateCode     ErrorKind = "DUPLICATE_CODE"
	ErrRunnerOffline     ErrorKind = "RUNNER_OFFLINE"
	ErrInvalidSecret     ErrorKind = "INVALID_SECRET"
	ErrRateLimited       ErrorKind = "RATE_LIMITED"
	ErrNotPaired         ErrorKind = "NOT_PAIRED"
	ErrNotAuthenticated  ErrorKind = "NOT_AUTHENTICATED"
	ErrNetworkError      ErrorKind = "NETWORK_ERROR"
)

// Envelope is the frame wrapper for every message exchanged over the App
// WebSocket connection, in both directions.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it for outbound delivery. The
// only failure mode is a payload type that cannot be JSON-encoded, which
// is a programmer error; callers pass fixed, well-formed structs, so the
// error is logged by the caller rather than threaded through every send
// site.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Request payloads (App -> Broker).

type PairRequest struct {
	PairingCode string `json:"pairingCode"`
}

type ConnectRunnerRequest struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

// Response / event payloads (Broker -> App).

type PairSuccess struct {
	RunnerID string `json:"runnerId"`
	PairedAt int64  `json:"pairedAt"`
}

type ErrorPayload struct {
	Code                ErrorKind `json:"code"`
	Message             string    `json:"message"`
	RemainingBanSeconds *int64    `json:"remainingBanSeconds,omitempty"`
}

type PairingStatusResponse struct {
	Paired       bool   `json:"paired"`
	RunnerID     string `json:"runnerId,omitempty"`
	RunnerOnline bool   `json:"runnerOnline,omitempty"`
	PairedAt     int64  `json:"pairedAt,omitempty"`
}

type UnpairSuccess struct {
	RunnerID string `json:"runnerId,omitempty"`
}

type RunnerPresenceEvent struct {
	RunnerID string `json:"runnerId"`
}

type ConnectRunnerAck struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}
