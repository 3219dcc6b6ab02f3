package model

import (
    "bytes"
    "encoding/json"
    "fmt"
    "strconv"
    "strings"
    "time"
)

// ID is an entity or subject identifier. The system of record emits ids as
// JSON numbers or strings; both decode to the same string form.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
    b = bytes.TrimSpace(b)
    if len(b) == 0 || bytes.Equal(b, []byte("null")) {
        *id = ""
        return nil
    }
    if b[0] == '"' {
        var s string
        if err := json.Unmarshal(b, &s); err != nil { return err }
        *id = ID(strings.TrimSpace(s))
        return nil
    }
    var n json.Number
    if err := json.Unmarshal(b, &n); err != nil {
        return fmt.Errorf("id must be a string or number: %s", string(b))
    }
    *id = ID(n.String())
    return nil
}

func (id ID) String() string { return string(id) }

// IDFromClaim converts a decoded JWT claim value to an ID.
func IDFromClaim(v any) ID {
    switch t := v.(type) {
    case string:
        return ID(strings.TrimSpace(t))
    case float64:
        return ID(strconv.FormatFloat(t, 'f', -1, 64))
    case json.Number:
        return ID(t.String())
    default:
        return ""
    }
}

// Role is the client-declared role of a connection.
type Role string

const (
    RoleTrackedEntity Role = "tracked-entity"
    RoleSubscriber    Role = "subscriber"
    RoleObserverAll   Role = "observer-all"
)

// ParseRole accepts the canonical role names and the driver/parent/admin aliases.
func ParseRole(s string) (Role, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "tracked-entity", "driver":
        return RoleTrackedEntity, nil
    case "subscriber", "parent":
        return RoleSubscriber, nil
    case "observer-all", "admin":
        return RoleObserverAll, nil
    case "":
        return "", fmt.Errorf("role required")
    default:
        return "", fmt.Errorf("unknown role %q", s)
    }
}

// Inbound socket events.
const (
    EventSubscribe      = "subscribe-to-entity"
    EventUnsubscribe    = "unsubscribe-from-entity"
    EventLocation       = "location-update"
    EventStartTrip      = "start-trip"
    EventCompleteTrip   = "complete-trip"
    EventUnsubscribeAll = "unsubscribe-all"
)

// Outbound socket events.
const (
    EventSubscribed            = "subscribed"
    EventUnsubscribed          = "unsubscribed"
    EventError                 = "error"
    EventTripStarted           = "trip-started"
    EventTripCompleted         = "trip-completed"
    EventTripEnded             = "trip-ended"
    EventChildStatus           = "child-status-update"
    EventTripStartConfirmed    = "trip-start-confirmed"
    EventTripCompleteConfirmed = "trip-complete-confirmed"
)

// Error codes carried by outbound error events.
const (
    CodeAuthentication = "authentication_failed"
    CodeAuthorization  = "authorization_denied"
    CodeInvalidPayload = "invalid_payload"
    CodeSuperseded     = "superseded"
)

// Envelope is one websocket frame.
type Envelope struct {
    Type    string          `json:"type"`
    ID      string          `json:"id,omitempty"`
    Payload json.RawMessage `json:"payload,omitempty"`
}

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// LocationUpdate is one position report for a tracked entity.
type LocationUpdate struct {
    EntityID  ID        `json:"entityId"`
    Label     string    `json:"label"`
    Lat       float64   `json:"lat"`
    Lng       float64   `json:"lng"`
    Speed     float64   `json:"speed"`
    Heading   float64   `json:"heading"`
    Timestamp time.Time `json:"timestamp"`
}

// TripEvent describes a trip lifecycle transition.
type TripEvent struct {
    Kind              string    `json:"kind"`
    EntityID          ID        `json:"entityId"`
    TripID            ID        `json:"tripId,omitempty"`
    TripKind          string    `json:"tripKind,omitempty"`
    Label             string    `json:"label"`
    Title             string    `json:"title"`
    Message           string    `json:"message"`
    RouteName         string    `json:"routeName,omitempty"`
    EstimatedDuration *int      `json:"estimatedDuration,omitempty"`
    TotalCount        *int      `json:"totalCount,omitempty"`
    CompletedCount    *int      `json:"completedCount,omitempty"`
    Duration          *int      `json:"duration,omitempty"`
    Priority          string    `json:"priority"`
    Timestamp         time.Time `json:"timestamp"`
}

// ChildStatus is the state of a child's association with a trip.
type ChildStatus string

const (
    ChildOnBus      ChildStatus = "on-bus"
    ChildAtSchool   ChildStatus = "at-school"
    ChildOnWayHome  ChildStatus = "on-way-home"
    ChildDroppedOff ChildStatus = "dropped-off"
    ChildAbsent     ChildStatus = "absent"
)

// ChildStatusEvent reports a child status change on a tracked entity.
type ChildStatusEvent struct {
    Kind      string      `json:"kind"`
    EntityID  ID          `json:"entityId"`
    ChildID   ID          `json:"childId"`
    ChildName string      `json:"childName"`
    Status    ChildStatus `json:"status"`
    Label     string      `json:"label"`
    Title     string      `json:"title"`
    Message   string      `json:"message"`
    Location  *GeoPoint   `json:"location,omitempty"`
    ETA       string      `json:"eta,omitempty"`
    Priority  string      `json:"priority"`
    Timestamp time.Time   `json:"timestamp"`
}

// Priorities carried on lifecycle events.
const (
    PriorityNormal = "normal"
    PriorityHigh   = "high"
)

// DefaultLabel is the display label used when a producer omits one.
func DefaultLabel(entityID ID) string { return "Bus " + string(entityID) }

// LabelOr returns label, or the synthesized default for entityID when blank.
func LabelOr(label string, entityID ID) string {
    if strings.TrimSpace(label) == "" { return DefaultLabel(entityID) }
    return label
}

// NewTripStarted builds a trip-started event.
func NewTripStarted(entityID, tripID ID, tripKind, label string, ts time.Time) TripEvent {
    label = LabelOr(label, entityID)
    msg := label + " has started its trip"
    if tripKind != "" { msg = fmt.Sprintf("%s has started the %s trip", label, tripKind) }
    return TripEvent{
        Kind: EventTripStarted, EntityID: entityID, TripID: tripID, TripKind: tripKind,
        Label: label, Title: "Trip started", Message: msg, Priority: PriorityNormal, Timestamp: ts,
    }
}

// NewTripCompleted builds a trip-completed event, emitted from the tracked entity itself.
func NewTripCompleted(entityID, tripID ID, label string, ts time.Time) TripEvent {
    label = LabelOr(label, entityID)
    return TripEvent{
        Kind: EventTripCompleted, EntityID: entityID, TripID: tripID, Label: label,
        Title: "Trip completed", Message: label + " has completed its trip",
        Priority: PriorityNormal, Timestamp: ts,
    }
}

// NewTripEnded builds a trip-ended event, injected by the system of record.
func NewTripEnded(entityID, tripID ID, tripKind, label string, total, completed *int, ts time.Time) TripEvent {
    label = LabelOr(label, entityID)
    msg := label + " has ended its trip"
    if tripKind != "" { msg = fmt.Sprintf("%s has ended the %s trip", label, tripKind) }
    if total != nil && completed != nil {
        msg = fmt.Sprintf("%s (%d/%d children)", msg, *completed, *total)
    }
    return TripEvent{
        Kind: EventTripEnded, EntityID: entityID, TripID: tripID, TripKind: tripKind, Label: label,
        Title: "Trip ended", Message: msg, TotalCount: total, CompletedCount: completed,
        Priority: PriorityNormal, Timestamp: ts,
    }
}

// Valid reports whether s is one of the known child statuses.
func (s ChildStatus) Valid() bool {
    switch s {
    case ChildOnBus, ChildAtSchool, ChildOnWayHome, ChildDroppedOff, ChildAbsent:
        return true
    }
    return false
}

func (s ChildStatus) title() string {
    switch s {
    case ChildOnBus:
        return "Picked up"
    case ChildAtSchool:
        return "Arrived at school"
    case ChildOnWayHome:
        return "On the way home"
    case ChildDroppedOff:
        return "Dropped off"
    case ChildAbsent:
        return "Marked absent"
    }
    return "Status update"
}

func (s ChildStatus) message(name, label string) string {
    switch s {
    case ChildOnBus:
        return fmt.Sprintf("%s is on %s", name, label)
    case ChildAtSchool:
        return fmt.Sprintf("%s has arrived at school", name)
    case ChildOnWayHome:
        return fmt.Sprintf("%s is on the way home on %s", name, label)
    case ChildDroppedOff:
        return fmt.Sprintf("%s has been dropped off", name)
    case ChildAbsent:
        return fmt.Sprintf("%s was marked absent on %s", name, label)
    }
    return fmt.Sprintf("%s: %s", name, string(s))
}

// NewChildStatus builds a child-status-update event with synthesized title and message.
func NewChildStatus(entityID, childID ID, childName string, status ChildStatus, label string, ts time.Time) ChildStatusEvent {
    label = LabelOr(label, entityID)
    if strings.TrimSpace(childName) == "" { childName = "Child " + string(childID) }
    prio := PriorityNormal
    if status == ChildAbsent { prio = PriorityHigh }
    return ChildStatusEvent{
        Kind: EventChildStatus, EntityID: entityID, ChildID: childID, ChildName: childName,
        Status: status, Label: label, Title: status.title(), Message: status.message(childName, label),
        Priority: prio, Timestamp: ts,
    }
}
