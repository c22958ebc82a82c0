package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

// natsTransport sends each sub-model call as a NATS request to
// <prefix>.<op>, letting inference run on another node.
type natsTransport struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
}

func NewNATSEngine(conn *nats.Conn, subjectPrefix string, timeout time.Duration) (Engine, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats engine requires a bus connection")
	}
	return &wireEngine{t: &natsTransport{conn: conn, prefix: subjectPrefix, timeout: timeout}}, nil
}

func (n *natsTransport) roundTrip(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	msg, err := n.conn.RequestWithContext(ctx, n.prefix+"."+req.Op, data)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("request %s: %w", req.Op, err)
	}
	var resp protocol.InferenceResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	return resp, nil
}

func (n *natsTransport) close() error { return nil }

// Server answers NATS inference requests with a local engine.
type Server struct {
	engine Engine
	log    *slog.Logger
	sub    *nats.Subscription
}

// Serve subscribes to <prefix>.> and dispatches requests to e. Requests are
// handled one at a time, in arrival order.
func Serve(conn *nats.Conn, subjectPrefix string, e Engine, log *slog.Logger) (*Server, error) {
	s := &Server{engine: e, log: log.With(slog.String("component", "engine-server"))}
	sub, err := conn.Subscribe(subjectPrefix+".>", s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe inference requests: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *Server) handle(msg *nats.Msg) {
	var req protocol.InferenceRequest
	var resp protocol.InferenceResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = fmt.Sprintf("decode request: %v", err)
	} else {
		resp = Dispatch(context.Background(), s.engine, req)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("failed to marshal inference response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to inference request", slog.String("error", err.Error()))
	}
}

func (s *Server) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}
