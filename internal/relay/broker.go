// Package relay implements the realtime location and notification broker:
// connection lifecycle, topic membership and fan-out.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"busrelay/internal/auth"
	"busrelay/internal/authz"
	"busrelay/internal/metrics"
	"busrelay/internal/model"
)

// CloseSuperseded is the close code sent to a connection replaced by a newer
// one for the same subject and role.
const CloseSuperseded = 4000

// Options tunes a Broker. Zero values select defaults.
type Options struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// AuthzTimeout bounds one subscribe authorization decision.
	AuthzTimeout time.Duration
	// InboundRPS and InboundBurst rate limit frames per connection; 0 disables.
	InboundRPS   float64
	InboundBurst int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// ReplayLastLocation sends the cached position right after a subscribe ack.
	ReplayLastLocation bool
	// CacheTimeout bounds one location cache read or write.
	CacheTimeout time.Duration
	// CacheQueue is the number of position writes buffered for the cache writer.
	CacheQueue int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.AuthzTimeout <= 0 {
		o.AuthzTimeout = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = 500 * time.Millisecond
	}
	if o.CacheQueue <= 0 {
		o.CacheQueue = 256
	}
	if o.InboundRPS > 0 && o.InboundBurst <= 0 {
		o.InboundBurst = int(o.InboundRPS) * 2
		if o.InboundBurst < 1 {
			o.InboundBurst = 1
		}
	}
	return o
}

type handlerFunc func(ctx context.Context, c *Conn, frame model.Envelope) string

// Broker owns a Registry and routes events between connections.
type Broker struct {
	reg      *Registry
	gate     authz.Gate
	cache    LocationCache
	opts     Options
	now      func() time.Time
	handlers map[model.Role]map[string]handlerFunc
	logTags  log.Fields

	// positions feeds the cache writer so fan-out never waits on the cache.
	positions  chan model.LocationUpdate
	stop       chan struct{}
	stopOnce   sync.Once
	writerDone chan struct{}
}

// NewBroker creates a Broker over reg and starts its cache writer. A nil cache
// uses an in-memory one. Call Close to stop the writer.
func NewBroker(reg *Registry, gate authz.Gate, cache LocationCache, opts Options) *Broker {
	if reg == nil {
		reg = NewRegistry()
	}
	if cache == nil {
		cache = NewMemoryLocationCache(0)
	}
	b := &Broker{
		reg:     reg,
		gate:    gate,
		cache:   cache,
		opts:    opts.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		logTags: log.Fields{"module": "relay", "component": "broker"},
	}
	b.positions = make(chan model.LocationUpdate, b.opts.CacheQueue)
	b.stop = make(chan struct{})
	b.writerDone = make(chan struct{})
	b.handlers = map[model.Role]map[string]handlerFunc{
		model.RoleSubscriber: {
			model.EventSubscribe:      b.handleSubscribe,
			model.EventUnsubscribe:    b.handleUnsubscribe,
			model.EventUnsubscribeAll: b.handleUnsubscribeAll,
		},
		model.RoleObserverAll: {
			model.EventUnsubscribeAll: b.handleUnsubscribeAll,
		},
		model.RoleTrackedEntity: {
			model.EventLocation:     b.handleLocation,
			model.EventStartTrip:    b.handleStartTrip,
			model.EventCompleteTrip: b.handleCompleteTrip,
		},
	}
	go b.cacheWriter()
	return b
}

// Close stops the cache writer after flushing queued positions.
func (b *Broker) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.writerDone
}

func (b *Broker) cacheWriter() {
	defer close(b.writerDone)
	for {
		select {
		case u := <-b.positions:
			b.storePosition(u)
		case <-b.stop:
			for {
				select {
				case u := <-b.positions:
					b.storePosition(u)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) storePosition(u model.LocationUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.CacheTimeout)
	defer cancel()
	if err := b.cache.Put(ctx, u); err != nil {
		log.WithError(err).WithFields(b.logTags).WithField("entity", u.EntityID).Warn("Failed to cache location")
	}
}

// Registry exposes the broker's registry for read-only inspection.
func (b *Broker) Registry() *Registry { return b.reg }

// Stats reports live connection and topic counts.
func (b *Broker) Stats() Stats { return b.reg.Stats() }

// Connect registers a new connection for id. Any live connection for the same
// subject and role is notified and closed.
func (b *Broker) Connect(id auth.Identity, entityID model.ID) *Conn {
	c := newConn(id, entityID, b.opts.SendBuffer)
	if old := b.reg.Register(c); old != nil {
		b.replyError(old, "", model.CodeSuperseded, "connection superseded by a newer session", "")
		old.Close(CloseSuperseded, "superseded")
		log.WithFields(b.logTags).WithFields(log.Fields{
			"subject": old.Subject, "role": old.Role, "conn": old.ID, "replacement": c.ID,
		}).Info("Superseded stale connection")
	}
	b.updateGauges()
	log.WithFields(b.logTags).WithFields(log.Fields{
		"subject": c.Subject, "role": c.Role, "conn": c.ID,
	}).Debug("Connection registered")
	return c
}

// Disconnect removes c from the registry and closes it.
func (b *Broker) Disconnect(c *Conn) {
	b.reg.Unregister(c)
	b.reg.DropConnection(c)
	c.Close(websocket.CloseNormalClosure, "")
	b.updateGauges()
	log.WithFields(b.logTags).WithFields(log.Fields{
		"subject": c.Subject, "role": c.Role, "conn": c.ID,
	}).Debug("Connection removed")
}

// CloseAll closes every live connection, used on shutdown.
func (b *Broker) CloseAll(code int, text string) {
	for _, role := range []model.Role{model.RoleTrackedEntity, model.RoleSubscriber, model.RoleObserverAll} {
		for _, c := range b.reg.Connections(role) {
			b.reg.Unregister(c)
			b.reg.DropConnection(c)
			c.Close(code, text)
		}
	}
	b.updateGauges()
}

func (b *Broker) updateGauges() {
	st := b.reg.Stats()
	metrics.Connections.WithLabelValues(string(model.RoleTrackedEntity)).Set(float64(st.TrackedEntities))
	metrics.Connections.WithLabelValues(string(model.RoleSubscriber)).Set(float64(st.Subscribers))
	metrics.Connections.WithLabelValues(string(model.RoleObserverAll)).Set(float64(st.Observers))
}

// Dispatch routes one inbound frame. Events not wired for the connection's
// role are ignored.
func (b *Broker) Dispatch(ctx context.Context, c *Conn, frame model.Envelope) {
	h, ok := b.handlers[c.Role][frame.Type]
	if !ok {
		metrics.InboundEvents.WithLabelValues(string(c.Role), "other", "ignored").Inc()
		log.WithFields(b.logTags).WithFields(log.Fields{
			"conn": c.ID, "role": c.Role, "event": frame.Type,
		}).Debug("Ignoring event not allowed for role")
		return
	}
	outcome := h(ctx, c, frame)
	metrics.InboundEvents.WithLabelValues(string(c.Role), frame.Type, outcome).Inc()
}

// ========================================================================================
// Outbound helpers

func encodeFrame(eventType, id string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Type: eventType, ID: id, Payload: raw})
}

func (b *Broker) emit(c *Conn, eventType, id string, payload any) {
	frame, err := encodeFrame(eventType, id, payload)
	if err != nil {
		log.WithError(err).WithFields(b.logTags).Errorf("Failed to encode %s", eventType)
		return
	}
	c.Send(frame)
}

type errorPayload struct {
	Message  string   `json:"message"`
	Code     string   `json:"code"`
	EntityID model.ID `json:"entityId,omitempty"`
}

func (b *Broker) replyError(c *Conn, id, code, message string, entity model.ID) {
	b.emit(c, model.EventError, id, errorPayload{Message: message, Code: code, EntityID: entity})
}

// fanout sends one event to every target and reports how many frames were queued.
func (b *Broker) fanout(eventType string, targets []*Conn, payload any) int {
	frame, err := encodeFrame(eventType, "", payload)
	if err != nil {
		log.WithError(err).WithFields(b.logTags).Errorf("Failed to encode %s", eventType)
		return 0
	}
	sent := 0
	seen := make(map[*Conn]struct{}, len(targets))
	for _, c := range targets {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if c.Send(frame) {
			sent++
			metrics.Deliveries.WithLabelValues(eventType, "sent").Inc()
		} else {
			metrics.Deliveries.WithLabelValues(eventType, "dropped").Inc()
		}
	}
	return sent
}

func (b *Broker) topicAndObservers(entity model.ID) []*Conn {
	return append(b.reg.MembersOf(entity), b.reg.Observers()...)
}

// ========================================================================================
// Publishing, shared by socket handlers and HTTP ingress

// PublishLocation fans u out to the entity's topic and to observers, then
// queues it for the last-known cache. A full queue skips the cache write.
func (b *Broker) PublishLocation(_ context.Context, u model.LocationUpdate) int {
	n := b.fanout(model.EventLocation, b.topicAndObservers(u.EntityID), u)
	select {
	case b.positions <- u:
	default:
		metrics.Deliveries.WithLabelValues("location-cache", "dropped").Inc()
		log.WithFields(b.logTags).WithField("entity", u.EntityID).Debug("Location cache queue full")
	}
	return n
}

// PublishTrip fans a lifecycle event out to the entity's topic and to observers.
func (b *Broker) PublishTrip(evt model.TripEvent) int {
	return b.fanout(evt.Kind, b.topicAndObservers(evt.EntityID), evt)
}

// PublishChildStatus delivers evt to the live subscriber connections of
// targets, or to the entity's topic and observers when targets is empty.
func (b *Broker) PublishChildStatus(evt model.ChildStatusEvent, targets []model.ID) int {
	if len(targets) == 0 {
		return b.fanout(model.EventChildStatus, b.topicAndObservers(evt.EntityID), evt)
	}
	conns := make([]*Conn, 0, len(targets))
	for _, subject := range targets {
		if c, ok := b.reg.Lookup(model.RoleSubscriber, subject); ok {
			conns = append(conns, c)
		}
	}
	return b.fanout(model.EventChildStatus, conns, evt)
}

// Now is the broker's clock, used to stamp events.
func (b *Broker) Now() time.Time { return b.now() }

// ========================================================================================
// Inbound handlers

const (
	outcomeHandled = "handled"
	outcomeInvalid = "invalid"
	outcomeDenied  = "denied"
	outcomeDropped = "dropped"
)

var errMissingEntity = errors.New("entityId is required")

type entityPayload struct {
	EntityID model.ID `json:"entityId"`
}

// decodeEntity accepts {"entityId": ...} or a bare id payload.
func decodeEntity(raw json.RawMessage) (model.ID, error) {
	var p entityPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		if p.EntityID == "" {
			return "", errMissingEntity
		}
		return p.EntityID, nil
	}
	var id model.ID
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", errMissingEntity
	}
	return id, nil
}

func (b *Broker) handleSubscribe(ctx context.Context, c *Conn, frame model.Envelope) string {
	entity, err := decodeEntity(frame.Payload)
	if err != nil {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, err.Error(), "")
		return outcomeInvalid
	}
	actx, cancel := context.WithTimeout(ctx, b.opts.AuthzTimeout)
	defer cancel()
	start := time.Now()
	err = authz.Check(actx, b.gate, authz.Request{SubjectID: c.Subject, EntityID: entity, Token: c.token})
	metrics.AuthzLatency.Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		result := "denied"
		if errors.Is(err, authz.ErrUndecided) {
			result = "error"
		}
		metrics.AuthzDecisions.WithLabelValues(result).Inc()
		log.WithError(err).WithFields(b.logTags).WithFields(log.Fields{
			"subject": c.Subject, "entity": entity, "conn": c.ID,
		}).Warn("Subscribe denied")
		b.replyError(c, frame.ID, model.CodeAuthorization, "not authorized to follow this bus", entity)
		return outcomeDenied
	}
	metrics.AuthzDecisions.WithLabelValues("allowed").Inc()
	if _, err := b.reg.Subscribe(c, entity); err != nil {
		return outcomeDropped
	}
	b.emit(c, model.EventSubscribed, frame.ID, map[string]any{"entityId": entity, "ok": true})
	if b.opts.ReplayLastLocation {
		cctx, ccancel := context.WithTimeout(ctx, b.opts.CacheTimeout)
		u, ok, err := b.cache.Get(cctx, entity)
		ccancel()
		if err != nil {
			log.WithError(err).WithFields(b.logTags).WithField("entity", entity).Warn("Failed to read cached location")
		} else if ok {
			b.emit(c, model.EventLocation, "", u)
		}
	}
	return outcomeHandled
}

func (b *Broker) handleUnsubscribe(_ context.Context, c *Conn, frame model.Envelope) string {
	entity, err := decodeEntity(frame.Payload)
	if err != nil {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, err.Error(), "")
		return outcomeInvalid
	}
	b.reg.Unsubscribe(c, entity)
	b.emit(c, model.EventUnsubscribed, frame.ID, map[string]any{"entityId": entity})
	return outcomeHandled
}

func (b *Broker) handleUnsubscribeAll(_ context.Context, c *Conn, _ model.Envelope) string {
	b.Disconnect(c)
	return outcomeHandled
}

type locationPayload struct {
	EntityID model.ID `json:"entityId"`
	Lat      *float64 `json:"lat"`
	Lng      *float64 `json:"lng"`
	Speed    float64  `json:"speed"`
	Heading  float64  `json:"heading"`
	Label    string   `json:"label"`
}

func validCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("lat out of range: %v", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("lng out of range: %v", lng)
	}
	return nil
}

func (b *Broker) handleLocation(ctx context.Context, c *Conn, frame model.Envelope) string {
	var p locationPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, "invalid location payload", "")
		return outcomeInvalid
	}
	if p.EntityID == "" {
		p.EntityID = c.EntityID
	}
	if p.EntityID == "" || p.Lat == nil || p.Lng == nil {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, "entityId, lat and lng are required", p.EntityID)
		return outcomeInvalid
	}
	if err := validCoordinates(*p.Lat, *p.Lng); err != nil {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, err.Error(), p.EntityID)
		return outcomeInvalid
	}
	b.PublishLocation(ctx, model.LocationUpdate{
		EntityID: p.EntityID, Label: model.LabelOr(p.Label, p.EntityID),
		Lat: *p.Lat, Lng: *p.Lng, Speed: p.Speed, Heading: p.Heading, Timestamp: b.now(),
	})
	return outcomeHandled
}

type tripPayload struct {
	EntityID          model.ID `json:"entityId"`
	TripKind          string   `json:"tripKind"`
	TripID            model.ID `json:"tripId"`
	Label             string   `json:"label"`
	RouteName         string   `json:"routeName"`
	EstimatedDuration *int     `json:"estimatedDuration"`
}

func (b *Broker) decodeTrip(c *Conn, frame model.Envelope) (tripPayload, bool) {
	var p tripPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			b.replyError(c, frame.ID, model.CodeInvalidPayload, "invalid trip payload", "")
			return p, false
		}
	}
	if p.EntityID == "" {
		p.EntityID = c.EntityID
	}
	if p.EntityID == "" {
		b.replyError(c, frame.ID, model.CodeInvalidPayload, errMissingEntity.Error(), "")
		return p, false
	}
	return p, true
}

type tripConfirmation struct {
	EntityID   model.ID  `json:"entityId"`
	TripID     model.ID  `json:"tripId,omitempty"`
	Recipients int       `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
}

func (b *Broker) handleStartTrip(_ context.Context, c *Conn, frame model.Envelope) string {
	p, ok := b.decodeTrip(c, frame)
	if !ok {
		return outcomeInvalid
	}
	evt := model.NewTripStarted(p.EntityID, p.TripID, p.TripKind, p.Label, b.now())
	evt.RouteName = p.RouteName
	evt.EstimatedDuration = p.EstimatedDuration
	n := b.PublishTrip(evt)
	b.emit(c, model.EventTripStartConfirmed, frame.ID, tripConfirmation{
		EntityID: evt.EntityID, TripID: evt.TripID, Recipients: n, Timestamp: evt.Timestamp,
	})
	return outcomeHandled
}

func (b *Broker) handleCompleteTrip(_ context.Context, c *Conn, frame model.Envelope) string {
	p, ok := b.decodeTrip(c, frame)
	if !ok {
		return outcomeInvalid
	}
	evt := model.NewTripCompleted(p.EntityID, p.TripID, p.Label, b.now())
	n := b.PublishTrip(evt)
	b.emit(c, model.EventTripCompleteConfirmed, frame.ID, tripConfirmation{
		EntityID: evt.EntityID, TripID: evt.TripID, Recipients: n, Timestamp: evt.Timestamp,
	})
	return outcomeHandled
}
