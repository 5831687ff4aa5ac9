package streaming

import (
	"context"
	"errors"

	"github.com/KevinKickass/FieldSense/internal/hub"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "fieldsense.v1.EventStream"
	subscribeMethodName = "/" + ServiceName + "/Subscribe"
)

// EventStreamServer is the server API for the EventStream service. Requests
// and responses are google.protobuf.Struct so no generated code is needed.
type EventStreamServer interface {
	Subscribe(req *structpb.Struct, stream EventStream_SubscribeServer) error
}

type EventStream_SubscribeServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type eventStreamSubscribeServer struct {
	grpc.ServerStream
}

func (x *eventStreamSubscribeServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(EventStreamServer).Subscribe(m, &eventStreamSubscribeServer{stream})
}

var EventStream_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "fieldsense/v1/events.proto",
}

func RegisterEventStreamServer(s grpc.ServiceRegistrar, srv EventStreamServer) {
	s.RegisterService(&EventStream_ServiceDesc, srv)
}

type Subscriber interface {
	Subscribe(name string) *hub.Subscription
}

// EventService streams hub events to gRPC consumers. Each stream is an
// ordinary hub subscriber and is cut off the same way when it falls behind.
type EventService struct {
	hub    Subscriber
	logger *zap.Logger
}

func NewEventService(h Subscriber, logger *zap.Logger) *EventService {
	return &EventService{hub: h, logger: logger}
}

func (s *EventService) Subscribe(req *structpb.Struct, stream EventStream_SubscribeServer) error {
	ctx := stream.Context()
	filter := req.GetFields()["device_uuid"].GetStringValue()

	name := "grpc"
	if p, ok := peer.FromContext(ctx); ok {
		name = "grpc " + p.Addr.String()
	}

	sub := s.hub.Subscribe(name)
	defer sub.Unsubscribe()

	s.logger.Info("Event stream opened",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("device_filter", filter))

	for {
		select {
		case ev := <-sub.Events():
			if filter != "" && ev.DeviceUUID != filter {
				continue
			}

			msg, err := EventToStruct(ev)
			if err != nil {
				s.logger.Warn("Failed to encode event",
					zap.String("device_uuid", ev.DeviceUUID),
					zap.Error(err))
				continue
			}

			if err := stream.Send(msg); err != nil {
				return err
			}

		case <-sub.Done():
			if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
				return status.Error(codes.ResourceExhausted, "subscriber too slow")
			}
			return status.Error(codes.Unavailable, "event hub closed")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe opens an event stream on cc. An empty deviceUUID receives every
// device.
func Subscribe(ctx context.Context, cc grpc.ClientConnInterface, deviceUUID string) (*SubscribeClient, error) {
	stream, err := cc.NewStream(ctx, &EventStream_ServiceDesc.Streams[0], subscribeMethodName)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{"device_uuid": deviceUUID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &SubscribeClient{stream: stream}, nil
}

type SubscribeClient struct {
	stream grpc.ClientStream
}

func (c *SubscribeClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := c.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
