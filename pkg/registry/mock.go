package registry

import (
	"context"
	"sync"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/match"
)

// Mock implements Registry for testing.
// Every method can be overridden via its function field; when the field is
// nil the call goes to an in-memory Service.
type Mock struct {
	CreateFunc      func(ctx context.Context, requesterID string, loc geo.Coordinate) (HelpRequest, error)
	ListPendingFunc func(ctx context.Context) ([]HelpRequest, error)
	AcceptFunc      func(ctx context.Context, requestID, helperID string) error
	GetFunc         func(ctx context.Context, requestID string) (HelpRequest, error)
	VolunteersFunc  func(ctx context.Context) ([]match.Candidate, error)
	RequestersFunc  func(ctx context.Context) ([]match.Candidate, error)
	LocationFunc    func(ctx context.Context, userID string, profile Profile, loc geo.Coordinate) error

	// Store backs the default behaviour.
	Store *MemoryStore
	svc   *Service

	// Tracking
	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Args   []string
}

// NewMock creates a mock backed by an empty MemoryStore with auto-verify on.
func NewMock() *Mock {
	store := NewMemoryStore()
	return &Mock{
		Store: store,
		svc:   NewService(store, ServiceOptions{Logger: log.Discard(), AutoVerify: true}),
	}
}

func (m *Mock) CreateHelpRequest(ctx context.Context, requesterID string, loc geo.Coordinate) (HelpRequest, error) {
	m.record("CreateHelpRequest", requesterID)
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, requesterID, loc)
	}
	return m.svc.CreateHelpRequest(ctx, requesterID, loc)
}

func (m *Mock) ListPendingHelpRequests(ctx context.Context) ([]HelpRequest, error) {
	m.record("ListPendingHelpRequests")
	if m.ListPendingFunc != nil {
		return m.ListPendingFunc(ctx)
	}
	return m.svc.ListPendingHelpRequests(ctx)
}

func (m *Mock) AcceptHelpRequest(ctx context.Context, requestID, helperID string) error {
	m.record("AcceptHelpRequest", requestID, helperID)
	if m.AcceptFunc != nil {
		return m.AcceptFunc(ctx, requestID, helperID)
	}
	return m.svc.AcceptHelpRequest(ctx, requestID, helperID)
}

func (m *Mock) GetHelpRequest(ctx context.Context, requestID string) (HelpRequest, error) {
	m.record("GetHelpRequest", requestID)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, requestID)
	}
	return m.svc.GetHelpRequest(ctx, requestID)
}

func (m *Mock) ListVolunteers(ctx context.Context) ([]match.Candidate, error) {
	m.record("ListVolunteers")
	if m.VolunteersFunc != nil {
		return m.VolunteersFunc(ctx)
	}
	return m.svc.ListVolunteers(ctx)
}

func (m *Mock) ListRequesters(ctx context.Context) ([]match.Candidate, error) {
	m.record("ListRequesters")
	if m.RequestersFunc != nil {
		return m.RequestersFunc(ctx)
	}
	return m.svc.ListRequesters(ctx)
}

func (m *Mock) UpdateLocation(ctx context.Context, userID string, profile Profile, loc geo.Coordinate) error {
	m.record("UpdateLocation", userID)
	if m.LocationFunc != nil {
		return m.LocationFunc(ctx, userID, profile, loc)
	}
	return m.svc.UpdateLocation(ctx, userID, profile, loc)
}

// Service returns the in-memory service behind the default behaviour.
func (m *Mock) Service() *Service {
	return m.svc
}

// Calls returns all recorded calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns how many times method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Mock) record(method string, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Args: args})
}
