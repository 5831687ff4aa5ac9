package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/KevinKickass/FieldSense/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind defines the type of hub event
type EventKind string

const (
	EventReadingAccepted EventKind = "reading_accepted"
	EventStatusChanged   EventKind = "status_changed"
)

var (
	// ErrSlowSubscriber is the termination cause of a subscription whose
	// queue overflowed.
	ErrSlowSubscriber = errors.New("subscriber queue overflow")
	// ErrHubClosed is the termination cause of subscriptions open at shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Event is one fanout unit. Reading and Payload are set for
// EventReadingAccepted, Status for EventStatusChanged.
type Event struct {
	Kind        EventKind
	DeviceUUID  string
	DeviceName  string
	Reading     *types.SensorReading
	Payload     map[string]any
	Status      types.DeviceStatus
	PublishedAt time.Time
}

func NewReadingEvent(device types.Device, reading types.SensorReading, payload map[string]any) Event {
	return Event{
		Kind:       EventReadingAccepted,
		DeviceUUID: device.UUID,
		DeviceName: device.Name,
		Reading:    &reading,
		Payload:    payload,
	}
}

func NewStatusEvent(device types.Device, status types.DeviceStatus) Event {
	return Event{
		Kind:       EventStatusChanged,
		DeviceUUID: device.UUID,
		DeviceName: device.Name,
		Status:     status,
	}
}

// Delivery reports what a Publish did. Broadcast is best-effort, so this
// is informational only and never an error.
type Delivery struct {
	Subscribers int
	Delivered   int
	Dropped     int
}

// Hub fans events out to every current subscriber. Publish never blocks:
// a subscriber whose bounded queue is full is terminated and removed.
// There is no backlog; a subscriber only sees events published while it
// is registered.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[*Subscription]struct{}
	closed        bool

	defaultBuffer int
	logger        *zap.Logger
	now           func() time.Time
}

func NewHub(logger *zap.Logger, defaultBuffer int) *Hub {
	if defaultBuffer < 1 {
		defaultBuffer = 256
	}
	return &Hub{
		subscriptions: make(map[*Subscription]struct{}),
		defaultBuffer: defaultBuffer,
		logger:        logger,
		now:           time.Now,
	}
}

// Subscribe registers a new subscriber with the hub's default queue size.
func (h *Hub) Subscribe(name string) *Subscription {
	return h.SubscribeWithBuffer(name, h.defaultBuffer)
}

func (h *Hub) SubscribeWithBuffer(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}

	sub := &Subscription{
		ID:     uuid.New(),
		Name:   name,
		hub:    h,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.terminate(ErrHubClosed)
		return sub
	}
	h.subscriptions[sub] = struct{}{}
	total := len(h.subscriptions)
	h.mu.Unlock()

	h.logger.Info("Hub subscriber registered",
		zap.String("subscriber", name),
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("total_subscribers", total))

	return sub
}

// Publish enqueues a copy of ev for every subscriber registered right now.
func (h *Hub) Publish(ev Event) Delivery {
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = h.now()
	}

	var overflowed []*Subscription
	var delivery Delivery

	h.mu.RLock()
	delivery.Subscribers = len(h.subscriptions)
	for sub := range h.subscriptions {
		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.events <- ev:
			delivery.Delivered++
		default:
			delivery.Dropped++
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		h.logger.Warn("Subscriber queue full, dropping subscriber",
			zap.String("subscriber", sub.Name),
			zap.String("subscription_id", sub.ID.String()),
			zap.String("device_uuid", ev.DeviceUUID))
		sub.terminate(ErrSlowSubscriber)
		h.remove(sub)
	}

	return delivery
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	_, existed := h.subscriptions[sub]
	delete(h.subscriptions, sub)
	total := len(h.subscriptions)
	h.mu.Unlock()

	if existed {
		h.logger.Info("Hub subscriber unregistered",
			zap.String("subscriber", sub.Name),
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("total_subscribers", total))
	}
}

// SubscriberCount returns the number of registered subscribers
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close terminates all subscriptions and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subscriptions))
	for sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	h.subscriptions = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(ErrHubClosed)
	}
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	ID   uuid.UUID
	Name string

	hub    *Hub
	events chan Event
	done   chan struct{}
	once   sync.Once
	err    error
}

// Events delivers hub events in publish order. It is never closed; select
// on Done as well.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended. Only valid after Done is closed;
// nil means Unsubscribe was called.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.terminate(nil)
	s.hub.remove(s)
}

func (s *Subscription) terminate(cause error) {
	s.once.Do(func() {
		s.err = cause
		close(s.done)
	})
}
