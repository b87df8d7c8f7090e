// Package plan derives installment schedules from approved purchases.
package plan

import (
	"errors"
	"fmt"
	"time"

	"bnplengine/internal/common/money"
)

// ErrInvalidPlan is returned when an installment request cannot be admitted.
var ErrInvalidPlan = errors.New("invalid installment plan")

// Policy configures installment planning.
type Policy struct {
	Interval           time.Duration `envconfig:"PLAN_INTERVAL" default:"336h"`
	ClockSkewTolerance time.Duration `envconfig:"PLAN_CLOCK_SKEW_TOLERANCE" default:"5m"`
	SupportedCounts    []int         `envconfig:"PLAN_SUPPORTED_COUNTS" default:"2,3,4"`
}

// DefaultPolicy returns the standard biweekly plan policy.
func DefaultPolicy() Policy {
	return Policy{
		Interval:           14 * 24 * time.Hour,
		ClockSkewTolerance: 5 * time.Minute,
		SupportedCounts:    []int{2, 3, 4},
	}
}

// Spec describes a single planned installment.
type Spec struct {
	Sequence int         `json:"sequence"`
	Amount   money.Money `json:"amount"`
	DueDate  time.Time   `json:"due_date"`
}

// Planner splits a purchase into scheduled installments.
type Planner struct {
	policy Policy
}

// NewPlanner creates a planner with the given policy.
func NewPlanner(policy Policy) *Planner {
	return &Planner{policy: policy}
}

// Plan splits principal into count equal shares due at fixed intervals
// starting at firstDue. Integer division remainder lands on the last
// installment so the shares sum back to principal exactly.
//
// Pure: now is passed in rather than read from the clock.
func (p *Planner) Plan(principal int64, currency money.Currency, count int, firstDue, now time.Time) ([]Spec, error) {
	if principal <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive, got %d", ErrInvalidPlan, principal)
	}
	if !p.supported(count) {
		return nil, fmt.Errorf("%w: unsupported installment count %d", ErrInvalidPlan, count)
	}
	if firstDue.Before(now.Add(-p.policy.ClockSkewTolerance)) {
		return nil, fmt.Errorf("%w: first due date %s is in the past", ErrInvalidPlan, firstDue.Format(time.RFC3339))
	}

	shares := money.New(principal, currency).Allocate(count)

	specs := make([]Spec, count)
	for i, share := range shares {
		specs[i] = Spec{
			Sequence: i,
			Amount:   share,
			DueDate:  firstDue.Add(time.Duration(i) * p.policy.Interval),
		}
	}
	return specs, nil
}

func (p *Planner) supported(count int) bool {
	for _, c := range p.policy.SupportedCounts {
		if c == count {
			return true
		}
	}
	return false
}
