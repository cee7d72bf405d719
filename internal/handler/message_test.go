package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chatrelay/internal/middleware"
	"github.com/chatrelay/internal/model"
)

type fakeHistoryStore struct {
	directCalls [][2]string
	groupCalls  [][2]string
}

func (f *fakeHistoryStore) DirectHistory(ctx context.Context, userID, peerID string, limit, offset int) ([]model.Message, error) {
	f.directCalls = append(f.directCalls, [2]string{userID, peerID})
	return []model.Message{}, nil
}

func (f *fakeHistoryStore) GroupHistory(ctx context.Context, groupID, userID string, limit, offset int) ([]model.Message, error) {
	f.groupCalls = append(f.groupCalls, [2]string{groupID, userID})
	return []model.Message{}, nil
}

type fakeMembershipStore struct {
	members map[string]bool
}

func (f *fakeMembershipStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	return f.members[groupID+"/"+userID], nil
}

func historyRequest(userID, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/messages?"+query, nil)
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}

func TestHistoryDirectScopedToCaller(t *testing.T) {
	store := &fakeHistoryStore{}
	h := NewMessageHandler(nil, nil, store, &fakeMembershipStore{}, nil)

	rec := httptest.NewRecorder()
	h.History(rec, historyRequest("alice", "peer=bob"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(store.directCalls) != 1 {
		t.Fatalf("direct history called %d times, want 1", len(store.directCalls))
	}
	if got := store.directCalls[0]; got != [2]string{"alice", "bob"} {
		t.Fatalf("direct history queried with %v, want caller and peer", got)
	}
	if len(store.groupCalls) != 0 {
		t.Fatalf("group history called for a direct request")
	}
}

func TestHistoryGroupRequiresMembership(t *testing.T) {
	store := &fakeHistoryStore{}
	groups := &fakeMembershipStore{members: map[string]bool{"g1/alice": true}}
	h := NewMessageHandler(nil, nil, store, groups, nil)

	rec := httptest.NewRecorder()
	h.History(rec, historyRequest("carol", "group_id=g1"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-member status = %d, want 403", rec.Code)
	}
	if len(store.groupCalls) != 0 {
		t.Fatalf("group history queried for a non-member")
	}

	rec = httptest.NewRecorder()
	h.History(rec, historyRequest("alice", "group_id=g1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("member status = %d, want 200", rec.Code)
	}
	if len(store.groupCalls) != 1 || store.groupCalls[0] != [2]string{"g1", "alice"} {
		t.Fatalf("group history calls = %v, want one for g1/alice", store.groupCalls)
	}
}

func TestHistoryRequiresExactlyOneTarget(t *testing.T) {
	h := NewMessageHandler(nil, nil, &fakeHistoryStore{}, &fakeMembershipStore{}, nil)

	for _, query := range []string{"", "peer=bob&group_id=g1"} {
		rec := httptest.NewRecorder()
		h.History(rec, historyRequest("alice", query))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("query %q status = %d, want 400", query, rec.Code)
		}
	}
}
