package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/teslashibe/safewalk/internal/log"
	"github.com/teslashibe/safewalk/pkg/geo"
)

var here = geo.Coordinate{Latitude: 12.90, Longitude: 77.58}

func newTestService(store Store, pub Publisher) *Service {
	return NewService(store, ServiceOptions{Publisher: pub, Logger: log.Discard(), AutoVerify: true})
}

func TestCreateHelpRequestValidation(t *testing.T) {
	svc := newTestService(NewMemoryStore(), nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		requesterID string
		loc         geo.Coordinate
		wantErr     error
	}{
		{"valid", "alice", here, nil},
		{"missing requester", "", here, ErrInvalidRequest},
		{"invalid location", "alice", geo.Coordinate{Latitude: 95}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := svc.CreateHelpRequest(ctx, tt.requesterID, tt.loc)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if req.ID == "" || req.Status != StatusPending || req.CreatedAt.IsZero() {
				t.Errorf("request = %+v", req)
			}
		})
	}
}

func TestPendingListOrderAndAccept(t *testing.T) {
	svc := newTestService(NewMemoryStore(), nil)
	ctx := context.Background()

	first, _ := svc.CreateHelpRequest(ctx, "alice", here)
	second, _ := svc.CreateHelpRequest(ctx, "bob", here)

	pending, err := svc.ListPendingHelpRequests(ctx)
	if err != nil {
		t.Fatalf("ListPendingHelpRequests error: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("pending = %+v, want oldest first", pending)
	}

	if err := svc.AcceptHelpRequest(ctx, first.ID, "helper-1"); err != nil {
		t.Fatalf("AcceptHelpRequest error: %v", err)
	}

	pending, _ = svc.ListPendingHelpRequests(ctx)
	if Contains(pending, first.ID) || !Contains(pending, second.ID) {
		t.Errorf("pending after accept = %+v", pending)
	}

	got, _ := svc.GetHelpRequest(ctx, first.ID)
	if got.Status != StatusAccepted || got.AssignedHelperID != "helper-1" {
		t.Errorf("accepted request = %+v", got)
	}
}

func TestAcceptErrors(t *testing.T) {
	svc := newTestService(NewMemoryStore(), nil)
	ctx := context.Background()
	req, _ := svc.CreateHelpRequest(ctx, "alice", here)

	if err := svc.AcceptHelpRequest(ctx, "missing", "h"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown request error = %v, want ErrNotFound", err)
	}
	if err := svc.AcceptHelpRequest(ctx, req.ID, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing helper error = %v, want ErrInvalidRequest", err)
	}

	svc.CancelHelpRequest(ctx, req.ID)
	if err := svc.AcceptHelpRequest(ctx, req.ID, "h"); !errors.Is(err, ErrAlreadyAccepted) {
		t.Errorf("accept cancelled error = %v, want ErrAlreadyAccepted", err)
	}
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	svc := newTestService(NewMemoryStore(), nil)
	ctx := context.Background()
	req, _ := svc.CreateHelpRequest(ctx, "alice", here)

	helpers := []string{"helper-a", "helper-b", "helper-c", "helper-d"}
	errs := make([]error, len(helpers))
	var wg sync.WaitGroup
	for i, h := range helpers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = svc.AcceptHelpRequest(ctx, req.ID, h)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrAlreadyAccepted):
			t.Errorf("loser error = %v, want ErrAlreadyAccepted", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}

	pending, _ := svc.ListPendingHelpRequests(ctx)
	if Contains(pending, req.ID) {
		t.Error("accepted request still pending")
	}
}

func TestListVolunteersVerifiedOnly(t *testing.T) {
	store := NewMemoryStore()
	store.AddUser(User{ID: "h1", Role: RoleHelper, Verified: true, Location: &here})
	store.AddUser(User{ID: "h2", Role: RoleHelper, Verified: false, Location: &here})
	store.AddUser(User{ID: "r1", Role: RoleRequester})
	svc := newTestService(store, nil)
	ctx := context.Background()

	volunteers, err := svc.ListVolunteers(ctx)
	if err != nil {
		t.Fatalf("ListVolunteers error: %v", err)
	}
	if len(volunteers) != 1 || volunteers[0].ID != "h1" {
		t.Errorf("volunteers = %+v, want only h1", volunteers)
	}

	requesters, _ := svc.ListRequesters(ctx)
	if len(requesters) != 1 || requesters[0].ID != "r1" {
		t.Errorf("requesters = %+v, want only r1", requesters)
	}
}

func TestUpdateLocationRegistersUser(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(store, nil)
	ctx := context.Background()

	if err := svc.UpdateLocation(ctx, "h1", Profile{}, here); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown user without role error = %v, want ErrInvalidRequest", err)
	}

	if err := svc.UpdateLocation(ctx, "h1", Profile{Name: "Asha", Role: RoleHelper}, here); err != nil {
		t.Fatalf("UpdateLocation error: %v", err)
	}
	moved := geo.Coordinate{Latitude: 12.91, Longitude: 77.58}
	if err := svc.UpdateLocation(ctx, "h1", Profile{}, moved); err != nil {
		t.Fatalf("second UpdateLocation error: %v", err)
	}

	u, err := store.GetUser(ctx, "h1")
	if err != nil {
		t.Fatalf("GetUser error: %v", err)
	}
	if u.Name != "Asha" || !u.Verified || u.Location == nil || *u.Location != moved {
		t.Errorf("user = %+v", u)
	}
}

func TestServicePublishesEvents(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(NewMemoryStore(), pub)
	ctx := context.Background()

	req, _ := svc.CreateHelpRequest(ctx, "alice", here)
	svc.AcceptHelpRequest(ctx, req.ID, "h1")
	svc.AcceptHelpRequest(ctx, req.ID, "h2")

	got := pub.types()
	want := []EventType{EventCreated, EventAccepted}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(NewMemoryStore(), pub)

	if _, err := svc.CreateHelpRequest(context.Background(), "alice", here); err != nil {
		t.Errorf("CreateHelpRequest error = %v, want publish failure ignored", err)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}
