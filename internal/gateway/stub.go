package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"bnplengine/internal/common/money"
)

// StubClient is an in-process gateway for tests and local development.
// Outcomes are scripted per payment ID; unscripted charges succeed.
type StubClient struct {
	mu sync.Mutex

	// FailWith maps payment IDs to decline reasons. A listed payment is
	// declined that many times, once per entry consumed.
	failWith  map[string][]string
	timeouts  map[string]bool
	byRef     map[string]string // intent ref -> payment ID
	onConfirm func(intentRef string)

	Confirmed []string
	Refunded  []string
}

// NewStubClient creates an empty stub.
func NewStubClient() *StubClient {
	return &StubClient{
		failWith: make(map[string][]string),
		timeouts: make(map[string]bool),
		byRef:    make(map[string]string),
	}
}

var _ Client = (*StubClient)(nil)

// FailNext scripts declines for a payment; each confirm consumes one.
func (s *StubClient) FailNext(paymentID string, reasons ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith[paymentID] = append(s.failWith[paymentID], reasons...)
}

// TimeoutOn makes confirms for a payment return ErrTimeout.
func (s *StubClient) TimeoutOn(paymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts[paymentID] = true
}

// OnConfirm installs a callback that runs before each confirm resolves,
// letting tests interleave out-of-band work (a webhook arriving) with an
// in-flight synchronous confirm.
func (s *StubClient) OnConfirm(fn func(intentRef string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConfirm = fn
}

// CreateIntent registers a charge.
func (s *StubClient) CreateIntent(_ context.Context, paymentID string, _ money.Money, _ string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := fmt.Sprintf("PI-%s", ulid.Make().String())
	s.byRef[ref] = paymentID
	return &Intent{Ref: ref, Status: IntentPending}, nil
}

// ConfirmIntent executes the scripted outcome for the charge.
func (s *StubClient) ConfirmIntent(_ context.Context, intentRef string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paymentID, ok := s.byRef[intentRef]
	if !ok {
		return nil, fmt.Errorf("unknown intent: %s", intentRef)
	}

	if s.onConfirm != nil {
		s.onConfirm(intentRef)
	}

	if s.timeouts[paymentID] {
		return nil, ErrTimeout
	}

	if reasons := s.failWith[paymentID]; len(reasons) > 0 {
		reason := reasons[0]
		s.failWith[paymentID] = reasons[1:]
		return &Intent{Ref: intentRef, Status: IntentFailed, DeclineReason: reason}, nil
	}

	s.Confirmed = append(s.Confirmed, intentRef)
	return &Intent{Ref: intentRef, Status: IntentSucceeded}, nil
}

// Refund records the refund.
func (s *StubClient) Refund(_ context.Context, intentRef string, _ money.Money, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Refunded = append(s.Refunded, intentRef)
	return nil
}
