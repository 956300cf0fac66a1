package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketpulse/internal/domain"
)

const (
	serviceName = "marketpulse.notification.v1.NotificationService"
	// SendPriceEventMethod is the full method name of the unary call.
	SendPriceEventMethod = "/" + serviceName + "/SendPriceEvent"
)

// Ack is the SendPriceEvent response.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
	RecordID string `json:"record_id,omitempty"`
}

// EventHandler processes one event on the notification side.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.PriceEvent) (domain.NotificationRecord, error)
}

// NotificationServer is the server API of the notification service.
type NotificationServer interface {
	SendPriceEvent(ctx context.Context, ev *domain.PriceEvent) (*Ack, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NotificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendPriceEvent", Handler: sendPriceEventHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketpulse/notification/v1/notification.proto",
}

func sendPriceEventHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(domain.PriceEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NotificationServer).SendPriceEvent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendPriceEventMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NotificationServer).SendPriceEvent(ctx, req.(*domain.PriceEvent))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterNotificationServer registers srv on s.
func RegisterNotificationServer(s grpc.ServiceRegistrar, srv NotificationServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Server adapts an EventHandler to the gRPC service.
type Server struct {
	handler EventHandler
	logger  zerolog.Logger
}

// NewServer constructs a Server.
func NewServer(handler EventHandler, logger zerolog.Logger) *Server {
	return &Server{handler: handler, logger: logger.With().Str("component", "transport_server").Logger()}
}

// SendPriceEvent validates and dispatches ev. Invalid events are rejected
// with InvalidArgument; handler failures surface as Unavailable so the
// client retries or buffers.
func (s *Server) SendPriceEvent(ctx context.Context, ev *domain.PriceEvent) (*Ack, error) {
	if ev == nil {
		return nil, status.Error(codes.InvalidArgument, "empty event")
	}
	if err := ev.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := s.handler.Handle(ctx, *ev)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Error(codes.Unavailable, fmt.Sprintf("dispatch: %v", err))
	}
	return &Ack{Accepted: true, Status: string(rec.Status), RecordID: rec.ID}, nil
}

// NewGRPCServer builds a grpc.Server with request logging and the
// notification service registered.
func NewGRPCServer(srv NotificationServer, logger zerolog.Logger) *grpc.Server {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	RegisterNotificationServer(gs, srv)
	return gs
}

// Serve runs gs on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, gs *grpc.Server, lis net.Listener, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("notification rpc server listening")
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			gs.Stop()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.With().Str("component", "rpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		ev := logger.Debug()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		if pe, ok := req.(*domain.PriceEvent); ok {
			ev = ev.Str("symbol", pe.Symbol).Str("dedup_key", pe.DedupKey)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("elapsed", time.Since(started)).
			Msg("rpc handled")
		return resp, err
	}
}
