package convo

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haydenbarnes/convo-sync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "convo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTempRemoteID_OrderIndependent(t *testing.T) {
	orderings := [][]string{
		{"alice", "bob", "carol"},
		{"carol", "alice", "bob"},
		{"bob", "carol", "alice"},
	}

	first := TempRemoteID(orderings[0])
	assert.NotEmpty(t, first)

	for _, members := range orderings[1:] {
		assert.Equal(t, first, TempRemoteID(members))
	}
}

func TestTempRemoteID_DistinguishesMemberSets(t *testing.T) {
	a := TempRemoteID([]string{"alice", "bob"})
	b := TempRemoteID([]string{"alice", "carol"})

	assert.NotEqual(t, a, b)
}

func TestTempRemoteID_DoesNotMutateInput(t *testing.T) {
	members := []string{"carol", "alice", "bob"}
	TempRemoteID(members)

	assert.Equal(t, []string{"carol", "alice", "bob"}, members)
}

func TestLocalIDForOneToOne_DependsOnlyOnCounterpart(t *testing.T) {
	assert.Equal(t, LocalIDForOneToOne("bob"), LocalIDForOneToOne("bob"))
	assert.NotEqual(t, LocalIDForOneToOne("bob"), LocalIDForOneToOne("carol"))
	assert.NotEqual(t, LocalIDForOneToOne("bob"), LocalIDForRemote("bob"))
	assert.NotEqual(t, LocalIDForOneToOne("bob"), SelfConversationID("bob"))
}

func TestResolve_PrefersStoredRemoteID(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(st, "self")

	_, _, err := st.InsertOrUpdateConversation("some-local-id", store.ConversationRecord{
		RemoteID: "remote-1",
		Type:     store.ConvGroup,
	}, nil)
	require.NoError(t, err)

	localID, rec, err := r.Resolve(&Snapshot{RemoteID: "remote-1", Type: store.ConvGroup})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "some-local-id", localID)
}

func TestResolve_OneToOneByCounterpart(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(st, "self")

	localID := LocalIDForOneToOne("bob")
	_, _, err := st.InsertOrUpdateConversation(localID, store.ConversationRecord{
		Type: store.ConvOneToOne,
	}, nil)
	require.NoError(t, err)

	// The server-assigned remote id was never seen before; the member
	// set alone finds the record.
	got, rec, err := r.Resolve(&Snapshot{
		RemoteID: "remote-9",
		Type:     store.ConvOneToOne,
		Members:  []string{"bob"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, localID, got)
}

func TestResolve_RecoversByTempID(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(st, "self")

	members := []string{"self", "alice", "bob"}
	_, _, err := st.InsertOrUpdateConversation("pending-local", store.ConversationRecord{
		RemoteID: TempRemoteID(members),
		Type:     store.ConvGroup,
	}, nil)
	require.NoError(t, err)

	localID, rec, err := r.Resolve(&Snapshot{
		RemoteID: "remote-assigned",
		Type:     store.ConvGroup,
		Members:  []string{"bob", "alice"},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "pending-local", localID)
}

func TestResolve_NoMatchMintsDeterministicID(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(st, "self")

	localID, rec, err := r.Resolve(&Snapshot{
		RemoteID: "remote-new",
		Type:     store.ConvGroup,
		Members:  []string{"alice"},
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, LocalIDForRemote("remote-new"), localID)
}

func TestResolve_SelfConversation(t *testing.T) {
	st := newTestStore(t)
	r := NewResolver(st, "self")

	localID, rec, err := r.Resolve(&Snapshot{RemoteID: "remote-self", Type: store.ConvSelf})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, SelfConversationID("self"), localID)
}
