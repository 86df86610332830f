// ABOUTME: gRPC server-streaming transport for signaling events
// ABOUTME: Hand-written service descriptor carrying google.protobuf.Struct messages

package signaling

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "tether.signaling.v1.Signaling"

	watchMethod = "/" + ServiceName + "/Watch"
)

// watcher is the handler type the service descriptor dispatches to.
type watcher interface {
	watch(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*watcher)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "tether/signaling/v1/signaling.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(watcher).watch(req, stream)
}

// GRPCService exposes a broadcaster over gRPC.
type GRPCService struct {
	broadcaster *Broadcaster
}

// NewGRPCService creates the gRPC signaling service.
func NewGRPCService(b *Broadcaster) *GRPCService {
	return &GRPCService{broadcaster: b}
}

// Register adds the service to a gRPC server.
func (s *GRPCService) Register(server grpc.ServiceRegistrar) {
	server.RegisterService(&serviceDesc, s)
}

// watch streams redacted events until the client goes away. The request may
// carry a "types" list to filter events.
func (s *GRPCService) watch(req *structpb.Struct, stream grpc.ServerStream) error {
	var types []EventType
	if v, ok := req.GetFields()["types"]; ok {
		for _, t := range v.GetListValue().GetValues() {
			types = append(types, EventType(t.GetStringValue()))
		}
	}

	events, subID := s.broadcaster.Subscribe(stream.Context(), types...)
	s.broadcaster.logger.Debug("grpc watch started", "sub_id", subID)

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return status.Error(codes.Unavailable, "broadcaster closed")
			}
			msg, err := EventToStruct(ev.Redacted())
			if err != nil {
				s.broadcaster.logger.Error("failed to encode event", "type", ev.Type, "error", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// EventToStruct converts an event into a protobuf Struct.
func EventToStruct(ev Event) (*structpb.Struct, error) {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"type":      string(ev.Type),
		"device_id": ev.DeviceID,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"data":      data,
	})
}

// EventFromStruct converts a protobuf Struct produced by EventToStruct back
// into an event.
func EventFromStruct(msg *structpb.Struct) (Event, error) {
	m := msg.AsMap()

	typ, _ := m["type"].(string)
	if typ == "" {
		return Event{}, fmt.Errorf("event without type")
	}

	ev := Event{Type: EventType(typ)}
	ev.DeviceID, _ = m["device_id"].(string)
	if ts, _ := m["timestamp"].(string); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("parsing timestamp: %w", err)
		}
		ev.Timestamp = t
	}
	ev.Data, _ = m["data"].(map[string]any)
	return ev, nil
}

// WatchStream receives events from a remote Signaling service.
type WatchStream struct {
	stream grpc.ClientStream
}

// Watch opens a Watch stream on cc for the given event types (all when none).
func Watch(ctx context.Context, cc grpc.ClientConnInterface, types ...EventType) (*WatchStream, error) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, fmt.Errorf("opening watch stream: %w", err)
	}

	list := make([]any, len(types))
	for i, t := range types {
		list[i] = string(t)
	}
	req, err := structpb.NewStruct(map[string]any{"types": list})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("sending watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing send side: %w", err)
	}
	return &WatchStream{stream: stream}, nil
}

// Recv blocks until the next event arrives.
func (w *WatchStream) Recv() (Event, error) {
	msg := new(structpb.Struct)
	if err := w.stream.RecvMsg(msg); err != nil {
		return Event{}, err
	}
	return EventFromStruct(msg)
}
