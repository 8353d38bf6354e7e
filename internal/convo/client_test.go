package convo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haydenbarnes/convo-sync/internal/store"
)

func TestClient_FetchConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/remote-1", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(Snapshot{
			RemoteID: "remote-1",
			Type:     store.ConvGroup,
			Name:     "planning",
			Members:  []string{"alice", "bob"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)

	snap, err := c.FetchConversation(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "planning", snap.Name)
	assert.Equal(t, []string{"alice", "bob"}, snap.Members)
}

func TestClient_ListConversations_FollowsPaging(t *testing.T) {
	pages := map[string][]Snapshot{
		"":         {{RemoteID: "remote-1"}, {RemoteID: "remote-2"}},
		"remote-2": {{RemoteID: "remote-3"}},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		page := pages[start]

		json.NewEncoder(w).Encode(map[string]any{
			"conversations": page,
			"has_more":      start == "",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)

	all, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "remote-3", all[2].RemoteID)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantLabel     string
	}{
		{name: "server error is transient", status: 500, body: `{"label":"server-error"}`, wantTransient: true, wantLabel: "server-error"},
		{name: "rate limit is transient", status: 429, body: ``, wantTransient: true, wantLabel: "unknown"},
		{name: "rejection is permanent", status: 403, body: `{"label":"invalid-op","message":"not allowed"}`, wantTransient: false, wantLabel: "invalid-op"},
		{name: "not found is permanent", status: 404, body: `{"label":"no-conversation"}`, wantTransient: false, wantLabel: "no-conversation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "test-token", nil)

			err := c.UpdateAccess(context.Background(), "remote-1",
				[]store.AccessFlag{store.AccessInvite}, store.RoleTeam)
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))

			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, tt.status, remoteErr.StatusCode)
			assert.Equal(t, tt.wantLabel, remoteErr.Label)
		})
	}
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "test-token", nil)

	_, err := c.FetchUser(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestClient_CreateLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversations/remote-1/code", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]string{"uri": "https://join.example.com/abc"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)

	link, err := c.CreateLink(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, "https://join.example.com/abc", link)
}
