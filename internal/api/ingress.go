package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/apex/log"

	"busrelay/internal/metrics"
	"busrelay/internal/model"
)

const maxIngressBody = 1 << 20

// errValidation marks a request that was rejected before any event was emitted.
type errValidation struct{ msg string }

func (e errValidation) Error() string { return e.msg }

// ingressFunc decodes and publishes one pushed event, returning the number of
// connections it was queued for.
type ingressFunc func(r *http.Request, body []byte) (int, error)

// ingress wraps an ingress handler with method, rate limit, signature and
// body handling. Handlers are fire-and-forget: success means fan-out was issued.
func (s *Server) ingress(event string, h ingressFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		defer func() { metrics.IngressEvents.WithLabelValues(event, strconv.Itoa(status)).Inc() }()
		fail := func(code int, msg string) {
			status = code
			writeError(w, code, msg)
		}
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			fail(http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			fail(http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngressBody))
		if err != nil {
			fail(http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if s.opts.IngressSecret != "" && !VerifyHMAC(s.opts.IngressSecret, body, r.Header.Get(SignatureHeader)) {
			fail(http.StatusUnauthorized, "invalid signature")
			return
		}
		n, err := h(r, body)
		if err != nil {
			var verr errValidation
			if errors.As(err, &verr) {
				fail(http.StatusBadRequest, verr.msg)
				return
			}
			log.WithError(err).WithFields(s.logTags).WithField("event", event).Error("Ingress push failed")
			fail(http.StatusInternalServerError, "internal error")
			return
		}
		log.WithFields(s.logTags).WithFields(log.Fields{"event": event, "recipients": n}).Debug("Ingress push fanned out")
		writeSuccess(w, n)
	}
}

// decodeValid unmarshals body into v and runs struct validation.
func (s *Server) decodeValid(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errValidation{msg: "invalid JSON: " + err.Error()}
	}
	if err := s.validate.Struct(v); err != nil {
		return errValidation{msg: describeValidation(err)}
	}
	return nil
}

// POST /notify/location-update
func (s *Server) notifyLocation(r *http.Request, body []byte) (int, error) {
	var req locationPush
	if err := s.decodeValid(body, &req); err != nil {
		return 0, err
	}
	u := model.LocationUpdate{
		EntityID:  req.EntityID,
		Label:     model.LabelOr(req.Label, req.EntityID),
		Lat:       *req.Lat,
		Lng:       *req.Lng,
		Speed:     deref(req.Speed),
		Heading:   deref(req.Heading),
		Timestamp: s.Broker.Now(),
	}
	return s.Broker.PublishLocation(r.Context(), u), nil
}

// POST /notify/trip-start
func (s *Server) notifyTripStart(_ *http.Request, body []byte) (int, error) {
	var req tripStartPush
	if err := s.decodeValid(body, &req); err != nil {
		return 0, err
	}
	evt := model.NewTripStarted(req.EntityID, req.TripID, req.TripKind, req.Label, s.Broker.Now())
	evt.RouteName = req.RouteName
	evt.EstimatedDuration = req.EstimatedDuration
	return s.Broker.PublishTrip(evt), nil
}

// POST /notify/trip-end
func (s *Server) notifyTripEnd(_ *http.Request, body []byte) (int, error) {
	var req tripEndPush
	if err := s.decodeValid(body, &req); err != nil {
		return 0, err
	}
	evt := model.NewTripEnded(req.EntityID, req.TripID, req.TripKind, req.Label, req.TotalCount, req.CompletedCount, s.Broker.Now())
	evt.Duration = req.Duration
	return s.Broker.PublishTrip(evt), nil
}

// POST /notify/child-status
func (s *Server) notifyChildStatus(_ *http.Request, body []byte) (int, error) {
	var req childStatusPush
	if err := s.decodeValid(body, &req); err != nil {
		return 0, err
	}
	ts := s.Broker.Now()
	if req.Timestamp != nil && !req.Timestamp.IsZero() {
		ts = req.Timestamp.UTC()
	}
	evt := model.NewChildStatus(req.EntityID, req.ChildID, req.ChildName, req.Status, req.Label, ts)
	evt.Location = req.Location
	evt.ETA = req.ETA
	return s.Broker.PublishChildStatus(evt, req.TargetSubjectIDs), nil
}
