// Package authz decides whether a subscriber may observe a tracked entity.
//
// Decisions are never cached: every subscribe attempt asks the system of
// record again. Any failure to reach a decision is a denial.
package authz

import (
	"context"
	"errors"
	"fmt"

	"busrelay/internal/model"
)

var (
	// ErrDenied marks a subscribe attempt that was not allowed.
	ErrDenied = errors.New("authorization denied")
	// ErrUndecided accompanies ErrDenied when no decision could be reached.
	ErrUndecided = errors.New("decision unavailable")
)

// Request identifies one subscribe attempt.
type Request struct {
	SubjectID model.ID
	EntityID  model.ID
	// Token is the subscriber's bearer credential, forwarded downstream.
	Token string
}

// Gate answers subscribe authorization. A false result with a nil error is a
// plain denial; a non-nil error means the decision could not be made.
type Gate interface {
	Allow(ctx context.Context, req Request) (bool, error)
}

// Check runs gate and folds every failure into ErrDenied.
func Check(ctx context.Context, gate Gate, req Request) error {
	if gate == nil {
		return ErrDenied
	}
	ok, err := gate.Allow(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", ErrDenied, ErrUndecided, err)
	}
	if !ok {
		return ErrDenied
	}
	return nil
}

// StaticGate is a fixed subject -> entities allowlist.
type StaticGate map[model.ID][]model.ID

func (g StaticGate) Allow(_ context.Context, req Request) (bool, error) {
	for _, e := range g[req.SubjectID] {
		if e == req.EntityID {
			return true, nil
		}
	}
	return false, nil
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, req Request) (bool, error)

func (f GateFunc) Allow(ctx context.Context, req Request) (bool, error) { return f(ctx, req) }
