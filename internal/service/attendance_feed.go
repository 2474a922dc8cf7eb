package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-attendance-api/internal/dto"
	"github.com/noah-isme/gema-attendance-api/internal/observability"
)

const (
	attendanceFeedBufferSize = 32
	// attendanceFeedSeenWindow is how many recent envelope ids a node remembers. Events travel
	// over both Redis and NATS when both are configured and each copy must be delivered once.
	attendanceFeedSeenWindow = 1024
)

// AttendanceFeed streams live attendance events of a session to websocket subscribers and fans
// them out to other nodes through Redis pub/sub and NATS.
type AttendanceFeed interface {
	Publish(ctx context.Context, event dto.AttendanceEvent)
	Subscribe(sessionID uint) (<-chan dto.AttendanceEvent, func())
	Start(ctx context.Context)
}

type attendanceFeed struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *attendanceBroker
	transports   []feedTransport
	seen         *recentIDs
	nodeID       string
	now          func() time.Time
}

// feedTransport is one cross-node channel events are published on.
type feedTransport struct {
	name string
	send func(ctx context.Context, payload []byte) error
}

type attendanceFeedEnvelope struct {
	ID     string              `json:"id"`
	Source string              `json:"source"`
	Event  dto.AttendanceEvent `json:"event"`
	SentAt time.Time           `json:"sent_at"`
}

type attendanceBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.AttendanceEvent]struct{}
}

// NewAttendanceFeed constructs the live feed. Redis and NATS are optional.
func NewAttendanceFeed(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) AttendanceFeed {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":feed"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".feed"
	}

	feed := &attendanceFeed{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "attendance_feed").Logger(),
		broker: &attendanceBroker{
			subscribers: make(map[uint]map[chan dto.AttendanceEvent]struct{}),
		},
		seen:   newRecentIDs(attendanceFeedSeenWindow),
		nodeID: uuid.NewString(),
		now:    time.Now,
	}

	if redisClient != nil && channel != "" {
		feed.transports = append(feed.transports, feedTransport{name: "redis", send: func(ctx context.Context, payload []byte) error {
			return redisClient.Publish(ctx, channel, payload).Err()
		}})
	}
	if natsConn != nil && subject != "" {
		feed.transports = append(feed.transports, feedTransport{name: "nats", send: func(_ context.Context, payload []byte) error {
			return natsConn.Publish(subject, payload)
		}})
	}

	return feed
}

func (f *attendanceFeed) Start(ctx context.Context) {
	if f.redis != nil && f.redisChannel != "" {
		go f.consumeRedis(ctx)
	}
	if f.nats != nil && f.natsSubject != "" {
		go f.consumeNATS(ctx)
	}
}

func (f *attendanceFeed) Publish(ctx context.Context, event dto.AttendanceEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = f.now().UTC()
	}

	f.deliver(event)
	f.publish(ctx, event)
}

func (f *attendanceFeed) Subscribe(sessionID uint) (<-chan dto.AttendanceEvent, func()) {
	channel := make(chan dto.AttendanceEvent, attendanceFeedBufferSize)

	f.broker.subscribe(sessionID, channel)
	observability.LiveClientsActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.broker.unsubscribe(sessionID, channel)
			observability.LiveClientsActive().Dec()
		})
	}

	return channel, cleanup
}

func (f *attendanceFeed) deliver(event dto.AttendanceEvent) {
	observability.AttendanceEventsPublishedTotal().WithLabelValues(event.Type).Inc()
	f.broker.broadcast(event.SessionID, event)
}

// publish sends the event on every transport. A failing transport does not stop the others.
func (f *attendanceFeed) publish(ctx context.Context, event dto.AttendanceEvent) {
	if len(f.transports) == 0 {
		return
	}

	payload, err := json.Marshal(attendanceFeedEnvelope{
		ID:     uuid.NewString(),
		Source: f.nodeID,
		Event:  event,
		SentAt: f.now().UTC(),
	})
	if err != nil {
		f.logger.Warn().Err(err).Uint("session_id", event.SessionID).Msg("failed to encode attendance event")
		return
	}

	for _, transport := range f.transports {
		if err := transport.send(ctx, payload); err != nil {
			f.logger.Warn().Err(err).
				Str("transport", transport.name).
				Uint("session_id", event.SessionID).
				Msg("failed to fan out attendance event")
		}
	}
}

func (f *attendanceFeed) consumeRedis(ctx context.Context) {
	pubsub := f.redis.Subscribe(ctx, f.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.logger.Error().Err(err).Msg("attendance feed redis subscription closed")
			return
		}
		f.handleEnvelope([]byte(msg.Payload))
	}
}

func (f *attendanceFeed) consumeNATS(ctx context.Context) {
	sub, err := f.nats.Subscribe(f.natsSubject, func(msg *nats.Msg) {
		f.handleEnvelope(msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to nats attendance subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain attendance nats subscription")
		}
	}()
}

func (f *attendanceFeed) handleEnvelope(payload []byte) {
	var envelope attendanceFeedEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		f.logger.Warn().Err(err).Msg("invalid attendance event payload")
		return
	}

	if envelope.Source == f.nodeID {
		return
	}
	if envelope.ID != "" && !f.seen.add(envelope.ID) {
		return
	}

	f.deliver(envelope.Event)
}

// recentIDs remembers the last size ids in arrival order.
type recentIDs struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ids: make(map[string]struct{}, size), order: make([]string, size)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	if evicted := r.order[r.next]; evicted != "" {
		delete(r.ids, evicted)
	}
	r.order[r.next] = id
	r.next = (r.next + 1) % len(r.order)
	r.ids[id] = struct{}{}
	return true
}

func (b *attendanceBroker) subscribe(sessionID uint, ch chan dto.AttendanceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[sessionID]; !exists {
		b.subscribers[sessionID] = make(map[chan dto.AttendanceEvent]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
}

func (b *attendanceBroker) unsubscribe(sessionID uint, ch chan dto.AttendanceEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[sessionID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, sessionID)
		}
	}
}

func (b *attendanceBroker) broadcast(sessionID uint, event dto.AttendanceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[sessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}
