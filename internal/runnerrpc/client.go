package runnerrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client is a thin wrapper over RunnerServiceClient for use by a Runner
// process: it attaches the runner-id/runner-secret metadata pair to
// every call, matching the interceptor on the Broker side.
type Client struct {
	rpc      RunnerServiceClient
	runnerID string
	secret   string
}

func NewClient(cc grpc.ClientConnInterface, runnerID, secret string) *Client {
	return &Client{rpc: NewRunnerServiceClient(cc), runnerID: runnerID, secret: secret}
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "runner-id", c.runnerID, "runner-secret", c.secret)
}

// RegisterResult is the outcome of a Register call.
type RegisterResult struct {
	PairingCode string
	ErrorCode   string
	Message     string
}

func (c *Client) Register(ctx context.Context) (RegisterResult, error) {
	in, err := (registerRequest{RunnerID: c.runnerID, Secret: c.secret}).toStruct()
	if err != nil {
		return RegisterResult{}, fmt.Errorf("runnerrpc: encode register request: %w", err)
	}

	out, err := c.rpc.Register(c.withAuth(ctx), in)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("runnerrpc: register: %w", err)
	}
	resp := registerResponseFromStruct(out)
	return RegisterResult{PairingCode: resp.PairingCode, ErrorCode: resp.ErrorCode, Message: resp.Message}, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	in, err := (heartbeatRequest{RunnerID: c.runnerID}).toStruct()
	if err != nil {
		return fmt.Errorf("runnerrpc: encode heartbeat request: %w", err)
	}

	if _, err := c.rpc.Heartbeat(c.withAuth(ctx), in); err != nil {
		return fmt.Errorf("runnerrpc: heartbeat: %w", err)
	}
	return nil
}

// Events opens the server-streaming event channel and returns a channel
// of OpenSessionEvent, closed when the stream ends.
func (c *Client) Events(ctx context.Context) (<-chan OpenSessionEvent, error) {
	in, err := (heartbeatRequest{RunnerID: c.runnerID}).toStruct()
	if err != nil {
		return nil, fmt.Errorf("runnerrpc: encode events request: %w", err)
	}

	stream, err := c.rpc.Events(c.withAuth(ctx), in)
	if err != nil {
		return nil, fmt.Errorf("runnerrpc: open event stream: %w", err)
	}

	out := make(chan OpenSessionEvent)
	go func() {
		defer close(out)
		for {
			msg, err := stream.Recv()
			if err != nil {
				return
			}
			select {
			case out <- OpenSessionEventFromStruct(msg):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

