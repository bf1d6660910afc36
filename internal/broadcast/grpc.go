package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the gRPC service carrying sessions.
	ServiceName = "sandscape.v1.Broadcast"
	// SessionMethod is the full method name of the bidi session stream.
	SessionMethod = "/" + ServiceName + "/Session"
	// CodecName is the content subtype clients must request.
	CodecName = "json"

	maxMsgSize = 16 * 1024 * 1024
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// RawMessage is one protocol message on the gRPC stream. The JSON codec
// passes its bytes through untouched, so the stream carries exactly the
// same documents as the websocket.
type RawMessage struct {
	Data []byte
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(*RawMessage); ok {
		return m.Data, nil
	}
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(*RawMessage); ok {
		m.Data = append(m.Data[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

// sessionService is the handler type recorded in the service descriptor.
type sessionService interface {
	Open(Transport) *Session
}

// ServiceDesc describes the hand-written Broadcast service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sessionService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Session",
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "sandscape/v1/broadcast",
}

type grpcTransport struct {
	stream grpc.ServerStream
	ended  atomic.Bool
}

func (t *grpcTransport) Send(data []byte) error {
	if t.ended.Load() {
		return errStreamEnded
	}
	return t.stream.SendMsg(&RawMessage{Data: data})
}

// Close is a no-op; the stream ends when the handler returns.
func (t *grpcTransport) Close() error { return nil }

var errStreamEnded = errors.New("stream ended")

func sessionHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Server)
	t := &grpcTransport{stream: stream}
	defer t.ended.Store(true)
	sess := s.Open(t)

	recvErr := make(chan error, 1)
	go func() {
		for {
			var m RawMessage
			if err := stream.RecvMsg(&m); err != nil {
				recvErr <- err
				return
			}
			s.HandleCommand(sess, m.Data)
		}
	}()

	select {
	case err := <-recvErr:
		s.Close(sess, ReasonClientClosed)
		s.awaitWriter(sess)
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		}
		return err
	case <-sess.Done():
		s.awaitWriter(sess)
		switch reason := sess.Reason(); reason {
		case ReasonOverflow:
			return status.Error(codes.ResourceExhausted, ErrSessionOverflow.Error())
		case ReasonShutdown:
			return status.Error(codes.Unavailable, "server shutting down")
		default:
			return status.Error(codes.Aborted, reason)
		}
	}
}

// awaitWriter waits at most WriteTimeout for the session's writer to finish.
// A writer stuck in SendMsg on a client that stopped reading is released
// when the handler returns and the stream context is cancelled.
func (s *Server) awaitWriter(sess *Session) {
	timer := s.clock.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-sess.Finished():
	case <-timer.C():
		s.log.Printf("session %s: writer still blocked after %v, ending stream", sess.ID, s.cfg.WriteTimeout)
	}
}

// NewGRPCServer returns a gRPC server carrying the Broadcast service and the
// standard health service, instrumented with OpenTelemetry. Extra options
// are appended to the defaults.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opts...)...)
	gs.RegisterService(&ServiceDesc, s)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}

// OpenStream starts a session stream on a client connection.
func OpenStream(ctx context.Context, conn grpc.ClientConnInterface) (grpc.ClientStream, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], SessionMethod,
		grpc.CallContentSubtype(CodecName),
		grpc.MaxCallRecvMsgSize(maxMsgSize),
	)
	if err != nil {
		return nil, fmt.Errorf("open session stream: %w", err)
	}
	return stream, nil
}
