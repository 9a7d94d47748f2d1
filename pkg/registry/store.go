package registry

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
)

// Store persists users and help requests for the Service.
//
// AcceptRequest must be atomic: of several concurrent accepts for the same
// pending request exactly one succeeds and the rest get ErrAlreadyAccepted.
type Store interface {
	CreateRequest(ctx context.Context, req HelpRequest) error
	GetRequest(ctx context.Context, id string) (HelpRequest, error)
	// ListRequests returns requests with the given status, oldest first.
	// An empty status lists every request.
	ListRequests(ctx context.Context, status Status) ([]HelpRequest, error)
	AcceptRequest(ctx context.Context, id, helperID string) (HelpRequest, error)
	CancelRequest(ctx context.Context, id string) (HelpRequest, error)

	GetUser(ctx context.Context, id string) (User, error)
	// ListUsers returns users with the given role, or all users for "".
	ListUsers(ctx context.Context, role string) ([]User, error)
	UpsertUser(ctx context.Context, u User) error

	Close() error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]HelpRequest
	users    map[string]User

	// persist runs under the write lock after every mutation.
	persist func() error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]HelpRequest),
		users:    make(map[string]User),
	}
}

// AddUser registers a user directly, bypassing the service.
func (s *MemoryStore) AddUser(u User) {
	s.UpsertUser(context.Background(), u)
}

func (s *MemoryStore) CreateRequest(ctx context.Context, req HelpRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return fmt.Errorf("%w: duplicate request id %s", ErrInvalidRequest, req.ID)
	}
	s.requests[req.ID] = req
	return s.saveLocked()
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (HelpRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return HelpRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return req, nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, status Status) ([]HelpRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HelpRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	slices.SortFunc(out, func(a, b HelpRequest) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) AcceptRequest(ctx context.Context, id, helperID string) (HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return HelpRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return HelpRequest{}, fmt.Errorf("%w: request %s is %s", ErrAlreadyAccepted, id, req.Status)
	}
	req.Status = StatusAccepted
	req.AssignedHelperID = helperID
	s.requests[id] = req
	return req, s.saveLocked()
}

func (s *MemoryStore) CancelRequest(ctx context.Context, id string) (HelpRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return HelpRequest{}, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if req.Status != StatusPending {
		return HelpRequest{}, fmt.Errorf("%w: request %s is %s", ErrAlreadyAccepted, id, req.Status)
	}
	req.Status = StatusCancelled
	s.requests[id] = req
	return req, s.saveLocked()
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return u, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, role string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if role == "" || u.Role == role {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) UpsertUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return fmt.Errorf("%w: user id required", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return s.saveLocked()
}

// Count returns the number of stored requests.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) saveLocked() error {
	if s.persist == nil {
		return nil
	}
	return s.persist()
}
