package model

import (
    "encoding/json"
    "strings"
    "testing"
    "time"
)

func TestIDAcceptsStringsAndNumbers(t *testing.T) {
    var body struct {
        A ID   `json:"a"`
        B ID   `json:"b"`
        C ID   `json:"c"`
        D []ID `json:"d"`
    }
    if err := json.Unmarshal([]byte(`{"a":"7","b":7,"c":null,"d":[42," 43 "]}`), &body); err != nil {
        t.Fatalf("unmarshal: %v", err)
    }
    if body.A != "7" || body.B != "7" || body.C != "" {
        t.Fatalf("unexpected ids: %+v", body)
    }
    if len(body.D) != 2 || body.D[0] != "42" || body.D[1] != "43" {
        t.Fatalf("unexpected id list: %+v", body.D)
    }
    if err := json.Unmarshal([]byte(`{"a":{"x":1}}`), &body); err == nil {
        t.Fatal("object id should not decode")
    }
}

func TestIDFromClaim(t *testing.T) {
    if got := IDFromClaim(float64(42)); got != "42" { t.Fatalf("float claim: %q", got) }
    if got := IDFromClaim("u-1"); got != "u-1" { t.Fatalf("string claim: %q", got) }
    if got := IDFromClaim(true); got != "" { t.Fatalf("bool claim: %q", got) }
}

func TestParseRole(t *testing.T) {
    cases := map[string]Role{
        "driver": RoleTrackedEntity, "tracked-entity": RoleTrackedEntity,
        "Parent": RoleSubscriber, "subscriber": RoleSubscriber,
        "admin": RoleObserverAll, "observer-all": RoleObserverAll,
    }
    for in, want := range cases {
        got, err := ParseRole(in)
        if err != nil || got != want { t.Fatalf("ParseRole(%q) = %q, %v", in, got, err) }
    }
    if _, err := ParseRole(""); err == nil { t.Fatal("empty role should fail") }
    if _, err := ParseRole("teacher"); err == nil { t.Fatal("unknown role should fail") }
}

func TestLifecycleBuilders(t *testing.T) {
    ts := time.Date(2024, 9, 5, 7, 30, 0, 0, time.UTC)
    st := NewTripStarted("7", "t1", "morning", "", ts)
    if st.Label != "Bus 7" || st.Kind != EventTripStarted || !strings.Contains(st.Message, "morning") {
        t.Fatalf("trip started: %+v", st)
    }
    total, done := 12, 11
    end := NewTripEnded("7", "t1", "", "Blue Line", &total, &done, ts)
    if end.Kind != EventTripEnded || !strings.Contains(end.Message, "(11/12 children)") {
        t.Fatalf("trip ended: %+v", end)
    }
    cs := NewChildStatus("7", "c9", "", ChildAbsent, "", ts)
    if cs.Priority != PriorityHigh || cs.ChildName != "Child c9" || cs.Label != "Bus 7" {
        t.Fatalf("child status: %+v", cs)
    }
    if NewChildStatus("7", "c9", "Ann", ChildOnBus, "", ts).Priority != PriorityNormal {
        t.Fatal("on-bus should be normal priority")
    }
    if ChildStatus("lost").Valid() || !ChildDroppedOff.Valid() {
        t.Fatal("status validity")
    }
}
