package grpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"cp2077coop/server/internal/admin"
	"cp2077coop/server/internal/events"
	"cp2077coop/server/internal/logging"
)

const testSecret = "hunter2"

type moderatorStub struct {
	calls []string
	muted map[uint32]int
}

func (m *moderatorStub) check(action string, peerID uint32) error {
	if peerID != 7 {
		return admin.ErrUnknownPeer
	}
	m.calls = append(m.calls, action)
	return nil
}

func (m *moderatorStub) Kick(_, peerID uint32) error   { return m.check("kick", peerID) }
func (m *moderatorStub) Ban(_, peerID uint32) error    { return m.check("ban", peerID) }
func (m *moderatorStub) Unmute(_, peerID uint32) error { return m.check("unmute", peerID) }
func (m *moderatorStub) Mute(_, peerID uint32, minutes int) error {
	if minutes <= 0 {
		return admin.ErrBadArgument
	}
	if m.muted == nil {
		m.muted = map[uint32]int{}
	}
	m.muted[peerID] = minutes
	return m.check("mute", peerID)
}

type harness struct {
	client *Client
	conn   *grpc.ClientConn
	mod    *moderatorStub
	stream *events.Stream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	h := &harness{mod: &moderatorStub{}, stream: events.NewStream(events.Config{})}
	statusDoc := func() map[string]any { return map[string]any{"name": "Co-op", "peers": 3} }
	svc := NewService(statusDoc, h.mod, h.stream, WithLogger(logging.NewTestLogger()))

	server := grpc.NewServer(ServerOptions(testSecret, logging.NewTestLogger())...)
	Register(server, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	h.conn = conn
	h.client = NewClient(conn)
	return h
}

func authed(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SecretMetadataKey, testSecret)
}

func TestStatusRequiresSecret(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := h.client.Status(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated without secret, got %v", err)
	}
	bad := metadata.AppendToOutgoingContext(ctx, SecretMetadataKey, "wrong")
	if _, err := h.client.Status(bad); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated with wrong secret, got %v", err)
	}
	doc, err := h.client.Status(authed(ctx))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if doc.GetFields()["name"].GetStringValue() != "Co-op" || doc.GetFields()["peers"].GetNumberValue() != 3 {
		t.Fatalf("unexpected status %v", doc)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+testSecret)
	if _, err := h.client.Status(ctx); err != nil {
		t.Fatalf("expected bearer secret to authenticate, got %v", err)
	}
}

func TestModerationMapsErrors(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = authed(ctx)

	reply, err := h.client.Moderate(ctx, "Kick", 7, 0)
	if err != nil {
		t.Fatalf("kick: %v", err)
	}
	if !reply.GetFields()["ok"].GetBoolValue() || reply.GetFields()["action"].GetStringValue() != "kick" {
		t.Fatalf("unexpected reply %v", reply)
	}
	if _, err := h.client.Moderate(ctx, "Ban", 9, 0); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found for unknown peer, got %v", err)
	}
	if _, err := h.client.Moderate(ctx, "Mute", 7, 0); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for zero minutes, got %v", err)
	}
	if _, err := h.client.Moderate(ctx, "Mute", 7, 15, grpc.UseCompressor(CompressorName)); err != nil {
		t.Fatalf("mute over zstd: %v", err)
	}
	if _, err := h.client.Moderate(ctx, "Unmute", 0, 0); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for missing peer, got %v", err)
	}
	if h.mod.muted[7] != 15 || len(h.mod.calls) != 2 {
		t.Fatalf("unexpected moderator state calls=%v muted=%v", h.mod.calls, h.mod.muted)
	}
}

func TestEventsStreamFiltersKinds(t *testing.T) {
	h := newHarness(t)
	if _, err := h.stream.Publish(events.Event{Kind: events.KindChat, PeerID: 1, Detail: "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := h.stream.Publish(events.Event{Kind: events.KindAdmin, PeerID: 0, EntityID: 7, Detail: "kick"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.client.Events(authed(ctx), "dash", []string{"admin"})
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	fields := msg.GetFields()
	if fields["kind"].GetStringValue() != "admin" || fields["entity_id"].GetNumberValue() != 7 || fields["sequence"].GetNumberValue() != 2 {
		t.Fatalf("unexpected event %v", msg)
	}
}

func TestEventsRejectsUnknownKind(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.client.Events(authed(ctx), "", []string{"weather"})
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestHealthBypassesSecret(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(h.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status %v", resp.GetStatus())
	}
}

func TestEventsFlushOnTick(t *testing.T) {
	stream := events.NewStream(events.Config{})
	tickCh := make(chan time.Time)
	svc := NewService(nil, nil, stream, WithLogger(logging.NewTestLogger()), WithTickerFactory(func(time.Duration) (<-chan time.Time, func()) {
		return tickCh, func() {}
	}))
	for i := 0; i < 3; i++ {
		stream.Publish(events.Event{Kind: events.KindSave, Tick: uint64(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &streamSink{ctx: ctx}
	done := make(chan error, 1)
	go func() { done <- svc.Events(nil, sink) }()

	for i := 0; i < 50 && sink.count() < 3; i++ {
		tickCh <- time.Now()
	}
	cancel()
	if err := <-done; err != nil && status.Code(err) != codes.Canceled {
		t.Fatalf("expected cancelled stream, got %v", err)
	}
	sent := sink.messages()
	if len(sent) != 3 {
		t.Fatalf("expected 3 events flushed, got %d", len(sent))
	}
	for i, msg := range sent {
		if msg.GetFields()["tick"].GetNumberValue() != float64(i) {
			t.Fatalf("event %d out of order: %v", i, msg)
		}
	}
}

type streamSink struct {
	grpc.ServerStream
	ctx  context.Context
	mu   sync.Mutex
	sent []*structpb.Struct
}

func (s *streamSink) Context() context.Context { return s.ctx }

func (s *streamSink) Send(msg *structpb.Struct) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *streamSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *streamSink) messages() []*structpb.Struct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*structpb.Struct(nil), s.sent...)
}

func TestUnavailableCollaborators(t *testing.T) {
	svc := NewService(nil, nil, nil)
	if _, err := svc.Status(context.Background(), nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
	if _, err := svc.Kick(context.Background(), nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}
