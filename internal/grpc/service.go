// Package grpc exposes the operator service: server status, moderation and a
// live feed of authoritative events. Messages are well-known protobuf types so
// no generated stubs are required.
package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/logging"
)

// ServiceName is the fully qualified ops service name.
const ServiceName = "coop.ops.v1.Ops"

const (
	eventStreamRateHz = 20
	eventBuffer       = 128
)

// Moderator applies operator commands to connected peers.
type Moderator interface {
	Kick(actor, peerID uint32) error
	Ban(actor, peerID uint32) error
	Mute(actor, peerID uint32, minutes int) error
	Unmute(actor, peerID uint32) error
}

// EventSource fans authoritative events out to subscribers.
type EventSource interface {
	Subscribe(ctx context.Context, subscriberID string, buffer int, kinds ...events.Kind) (*events.Subscription, error)
}

// StatusFunc renders the current server status document.
type StatusFunc func() map[string]any

// OpsServer is the handler contract bound by OpsServiceDesc.
type OpsServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Kick(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ban(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Mute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unmute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Events(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Option customises the behaviour of the ops service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithLogger overrides the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// Service implements OpsServer on top of the admin console and the event stream.
type Service struct {
	status    StatusFunc
	moderator Moderator
	source    EventSource
	logger    *logging.Logger
	newTicker tickerFactory
}

// NewService wires the ops service to its collaborators. Any of them may be
// nil, in which case the matching methods report FailedPrecondition.
func NewService(statusFn StatusFunc, moderator Moderator, source EventSource, opts ...Option) *Service {
	s := &Service{status: statusFn, moderator: moderator, source: source, logger: logging.L(), newTicker: defaultTickerFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Register mounts the ops and health services on server. The returned health
// server lets the caller flip the serving status during shutdown.
func Register(server *grpc.Server, svc *Service) *health.Server {
	server.RegisterService(&OpsServiceDesc, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return hs
}

// Status returns the server status document.
func (s *Service) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.status == nil {
		return nil, status.Error(codes.FailedPrecondition, "status unavailable")
	}
	doc, err := structpb.NewStruct(s.status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return doc, nil
}

// Kick disconnects the peer named by peer_id.
func (s *Service) Kick(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.moderate(req, "kick", func(m Moderator, id uint32, _ int) error { return m.Kick(admin.ConsoleActor, id) })
}

// Ban bans and disconnects the peer named by peer_id.
func (s *Service) Ban(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.moderate(req, "ban", func(m Moderator, id uint32, _ int) error { return m.Ban(admin.ConsoleActor, id) })
}

// Mute silences peer_id for minutes.
func (s *Service) Mute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.moderate(req, "mute", func(m Moderator, id uint32, mins int) error { return m.Mute(admin.ConsoleActor, id, mins) })
}

// Unmute lifts the mute on peer_id.
func (s *Service) Unmute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.moderate(req, "unmute", func(m Moderator, id uint32, _ int) error { return m.Unmute(admin.ConsoleActor, id) })
}

func (s *Service) moderate(req *structpb.Struct, action string, apply func(Moderator, uint32, int) error) (*structpb.Struct, error) {
	if s == nil || s.moderator == nil {
		return nil, status.Error(codes.FailedPrecondition, "moderation unavailable")
	}
	fields := req.GetFields()
	raw, ok := fields["peer_id"]
	if !ok || raw.GetNumberValue() <= 0 || raw.GetNumberValue() > float64(^uint32(0)) {
		return nil, status.Error(codes.InvalidArgument, "peer_id required")
	}
	peerID := uint32(raw.GetNumberValue())
	minutes := int(fields["minutes"].GetNumberValue())
	if err := apply(s.moderator, peerID, minutes); err != nil {
		switch {
		case errors.Is(err, admin.ErrUnknownPeer):
			return nil, status.Errorf(codes.NotFound, "peer %d not connected", peerID)
		case errors.Is(err, admin.ErrBadArgument):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			return nil, status.Errorf(codes.Internal, "%s: %v", action, err)
		}
	}
	s.logger.Info("ops command applied", logging.String("action", action), logging.Uint32("peer_id", peerID))
	return structpb.NewStruct(map[string]any{"action": action, "peer_id": peerID, "ok": true})
}

// Events streams authoritative events at a throttled cadence. The request may
// carry "subscriber" to resume an earlier feed and "kinds" to filter it.
func (s *Service) Events(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "event feed unavailable")
	}
	ctx := stream.Context()
	fields := req.GetFields()
	subscriber := fields["subscriber"].GetStringValue()
	if subscriber == "" {
		subscriber = "ops-" + uuid.NewString()
	}
	var kinds []events.Kind
	for _, v := range fields["kinds"].GetListValue().GetValues() {
		k, ok := events.ParseKind(v.GetStringValue())
		if !ok {
			return status.Errorf(codes.InvalidArgument, "unknown event kind %q", v.GetStringValue())
		}
		kinds = append(kinds, k)
	}

	//1.- Subscribe so retained events replay before live ones.
	sub, err := s.source.Subscribe(ctx, subscriber, eventBuffer, kinds...)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe events: %v", err)
	}
	defer sub.Close()
	feed := sub.Events()

	tickCh, stop := s.newTicker(time.Second / eventStreamRateHz)
	defer stop()

	var pending []events.Event
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				if len(pending) == 0 {
					return nil
				}
				continue
			}
			//3.- Buffer events so they flush at the throttled cadence.
			pending = append(pending, ev)
		case <-tickCh:
			if len(pending) == 0 {
				if feed == nil {
					return nil
				}
				continue
			}
			//4.- Flush everything buffered in arrival order and ack each send.
			for _, ev := range pending {
				msg, err := encodeEvent(ev)
				if err != nil {
					return status.Errorf(codes.Internal, "encode event: %v", err)
				}
				if err := stream.Send(msg); err != nil {
					return err
				}
				_ = sub.Ack(ev.Sequence)
			}
			pending = pending[:0]
		}
	}
}

func encodeEvent(ev events.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"sequence":    ev.Sequence,
		"kind":        ev.Kind.String(),
		"tick":        ev.Tick,
		"peer_id":     ev.PeerID,
		"entity_id":   ev.EntityID,
		"delta":       ev.Delta,
		"detail":      ev.Detail,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

var _ OpsServer = (*Service)(nil)
