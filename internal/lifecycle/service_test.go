package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nhle/incidentwatch/internal/model"
	"github.com/nhle/incidentwatch/internal/refresh"
)

type fakeStore struct {
	statusCalls int
	createCalls int
	err         error
}

func (f *fakeStore) SetIncidentStatus(_ context.Context, current model.Incident, next model.Status) (*model.Incident, error) {
	f.statusCalls++
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now()
	current.Status = next
	current.UpdatedAt = &now
	return &current, nil
}

func (f *fakeStore) CreateIncident(_ context.Context, d model.Draft) (*model.Incident, error) {
	f.createCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Incident{ID: "9", Title: d.Title, Severity: d.Severity, Status: model.StatusOpen}, nil
}

type recordingCache struct {
	keys []refresh.Key
}

func (r *recordingCache) Invalidate(key refresh.Key) bool {
	r.keys = append(r.keys, key)
	return true
}

func TestSetStatus_InvalidatesDetailAndList(t *testing.T) {
	store := &fakeStore{}
	cache := &recordingCache{}
	svc := NewService(nil, store, cache, nil)

	inc := model.Incident{ID: "42", Status: model.StatusOpen, Severity: model.SeverityHigh}
	updated, err := svc.SetStatus(context.Background(), inc, model.StatusInvestigating)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if updated.Status != model.StatusInvestigating {
		t.Errorf("status = %s, want investigating", updated.Status)
	}
	if store.statusCalls != 1 {
		t.Errorf("store calls = %d, want 1", store.statusCalls)
	}

	want := map[refresh.Key]bool{refresh.IncidentKey("42"): true, refresh.ListKey(): true}
	if len(cache.keys) != len(want) {
		t.Fatalf("invalidated %v, want %v", cache.keys, want)
	}
	for _, k := range cache.keys {
		if !want[k] {
			t.Errorf("unexpected invalidation of %q", k)
		}
	}
}

func TestSetStatus_NoOpSkipsStore(t *testing.T) {
	store := &fakeStore{}
	cache := &recordingCache{}
	svc := NewService(nil, store, cache, nil)

	inc := model.Incident{ID: "1", Status: model.StatusResolved}
	_, err := svc.SetStatus(context.Background(), inc, model.StatusResolved)
	if !IsNoOp(err) {
		t.Fatalf("err = %v, want no-op", err)
	}
	if store.statusCalls != 0 || len(cache.keys) != 0 {
		t.Errorf("no-op touched store (%d) or cache (%v)", store.statusCalls, cache.keys)
	}
}

func TestSetStatus_FailureLeavesCache(t *testing.T) {
	boom := errors.New("server said no")
	store := &fakeStore{err: boom}
	cache := &recordingCache{}
	svc := NewService(nil, store, cache, nil)

	_, err := svc.SetStatus(context.Background(), model.Incident{ID: "1", Status: model.StatusOpen}, model.StatusClosed)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
	if len(cache.keys) != 0 {
		t.Errorf("failed change invalidated %v", cache.keys)
	}
}

func TestSetStatus_AppliedWithoutRecordInvalidates(t *testing.T) {
	reload := errors.New("reload failed")
	store := &fakeStore{err: &AppliedError{ID: "7", Status: model.StatusInvestigating, Err: reload}}
	cache := &recordingCache{}
	svc := NewService(nil, store, cache, nil)

	_, err := svc.SetStatus(context.Background(), model.Incident{ID: "7", Status: model.StatusOpen}, model.StatusInvestigating)
	if !IsApplied(err) {
		t.Fatalf("err = %v, want AppliedError", err)
	}
	if !errors.Is(err, reload) {
		t.Errorf("err = %v, want wrapped %v", err, reload)
	}

	want := map[refresh.Key]bool{refresh.IncidentKey("7"): true, refresh.ListKey(): true}
	if len(cache.keys) != len(want) {
		t.Fatalf("invalidated %v, want %v", cache.keys, want)
	}
	for _, k := range cache.keys {
		if !want[k] {
			t.Errorf("unexpected invalidation of %q", k)
		}
	}
}

func TestSetStatus_PolicyRejects(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(NewAuthority(ForwardOnlyPolicy{}), store, &recordingCache{}, nil)

	_, err := svc.SetStatus(context.Background(), model.Incident{ID: "1", Status: model.StatusClosed}, model.StatusOpen)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if store.statusCalls != 0 {
		t.Errorf("rejected change reached the store")
	}
}

func TestCreate_InvalidatesList(t *testing.T) {
	store := &fakeStore{}
	cache := &recordingCache{}
	svc := NewService(nil, store, cache, nil)

	created, err := svc.Create(context.Background(), model.Draft{Title: "Port scan", Severity: model.SeverityLow})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "9" {
		t.Errorf("id = %q", created.ID)
	}
	if len(cache.keys) != 1 || cache.keys[0] != refresh.ListKey() {
		t.Errorf("invalidated %v, want [%s]", cache.keys, refresh.ListKey())
	}
}

func TestSetStatus_RefreshesObservedViews(t *testing.T) {
	coord := refresh.New(context.Background(), refresh.Config{})
	defer coord.Close()

	fetched := make(chan refresh.Key, 8)
	fetcher := func(key refresh.Key) refresh.Fetcher {
		return func(ctx context.Context) (any, error) {
			fetched <- key
			return string(key), nil
		}
	}

	list := coord.Subscribe(refresh.ListKey(), fetcher(refresh.ListKey()))
	defer list.Close()
	detail := coord.Subscribe(refresh.IncidentKey("42"), fetcher(refresh.IncidentKey("42")))
	defer detail.Close()

	drain := func(n int) map[refresh.Key]int {
		got := map[refresh.Key]int{}
		for i := 0; i < n; i++ {
			select {
			case k := <-fetched:
				got[k]++
			case <-time.After(2 * time.Second):
				t.Fatalf("only %d of %d fetches happened", i, n)
			}
		}
		return got
	}
	drain(2)

	store := &fakeStore{}
	svc := NewService(nil, store, coord, nil)
	inc := model.Incident{ID: "42", Status: model.StatusOpen}
	if _, err := svc.SetStatus(context.Background(), inc, model.StatusInvestigating); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	got := drain(2)
	if got[refresh.ListKey()] != 1 || got[refresh.IncidentKey("42")] != 1 {
		t.Errorf("refetches = %v, want one per key", got)
	}
	if store.statusCalls != 1 {
		t.Errorf("store calls = %d, want 1", store.statusCalls)
	}
}
