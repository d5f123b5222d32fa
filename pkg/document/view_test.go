package document

import (
	"context"
	"sync"
	"testing"

	"relaysync/pkg/provider"
	"relaysync/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type loopbackTransport struct {
	mu     sync.Mutex
	status provider.Status
}

func (l *loopbackTransport) Connect(context.Context, provider.Token) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = provider.StatusConnected
	return nil
}

func (l *loopbackTransport) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = provider.StatusDisconnected
	return nil
}

func (l *loopbackTransport) Status() provider.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status == "" {
		return provider.StatusDisconnected
	}
	return l.status
}

func (l *loopbackTransport) Synced() bool { return false }
func (l *loopbackTransport) Subscribe(func(provider.Event)) func() { return func() {} }

type freeTokens struct{}

func (freeTokens) Token(_ context.Context, docID string) (provider.Token, error) {
	return provider.Token{Token: "t", DocID: docID}, nil
}

func newTestConnection() *provider.Connection {
	return provider.NewConnection("doc-1", &loopbackTransport{}, freeTokens{}, nil, zap.NewNop(), nil)
}

func TestUserDisconnectCarriesToNextView(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection()

	first := NewView(conn)
	require.True(t, first.ShouldConnect)
	require.True(t, first.Open(ctx))

	// The user switches the document offline.
	assert.False(t, first.Toggle(ctx))
	assert.True(t, conn.UserDisconnected())

	// Releasing the view disconnects without touching the user flag.
	first.Release()
	conn.Disconnect()
	conn.Disconnect()
	assert.True(t, conn.UserDisconnected())

	second := NewView(conn)
	assert.False(t, second.ShouldConnect)
	assert.False(t, second.Open(ctx))
	assert.Equal(t, provider.IntentDisconnected, second.State().Intent)
}

func TestIncidentalDisconnectKeepsViewsOnline(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection()

	first := NewView(conn)
	require.True(t, first.Open(ctx))
	first.Release()
	require.True(t, conn.Connect(ctx))
	conn.Disconnect()

	second := NewView(conn)
	assert.True(t, second.ShouldConnect)
	assert.True(t, second.Open(ctx))
	assert.Equal(t, provider.State{Status: provider.StatusConnected, Intent: provider.IntentConnected}, second.State())
}

func TestToggleBackOnline(t *testing.T) {
	ctx := context.Background()
	conn := newTestConnection()
	conn.SetUserDisconnected(true)

	v := NewView(conn)
	require.False(t, v.ShouldConnect)
	assert.True(t, v.Toggle(ctx))
	assert.False(t, conn.UserDisconnected())
}

func TestMetadataRoundTrip(t *testing.T) {
	st, err := store.Open("", zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	ds := st.Doc("doc-1")
	require.NoError(t, WriteMetadata(ds, Metadata{
		Path:   "/notes/a.md",
		Relay:  "relay-1",
		Folder: "folder-1",
		Origin: OriginLocal,
	}))

	s3rn, err := ds.Meta(store.MetaS3RN)
	require.NoError(t, err)
	assert.Equal(t, "s3rn:relay:relay/relay-1/folder/folder-1/doc/doc-1", s3rn)

	md, err := ReadMetadata(ds)
	require.NoError(t, err)
	assert.Equal(t, Metadata{Path: "/notes/a.md", Relay: "relay-1", Folder: "folder-1", Origin: OriginLocal}, md)

	_, err = ds.Meta(store.MetaAppID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestParseS3RN(t *testing.T) {
	relay, folder, guid, err := ParseS3RN(S3RN("r", "f", "g"))
	require.NoError(t, err)
	assert.Equal(t, []string{"r", "f", "g"}, []string{relay, folder, guid})

	_, _, _, err = ParseS3RN("s3rn:relay:relay/r/doc/g")
	assert.Error(t, err)
	assert.Equal(t, "", S3RN("", "f", "g"))
}
