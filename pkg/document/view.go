package document

import (
	"context"

	"relaysync/pkg/provider"
)

// View is an editor attached to a document's connection. Its ShouldConnect
// default comes from the user-level toggle on the connection, never from the
// transport state, so a system disconnect cannot turn a later view offline.
type View struct {
	conn          *provider.Connection
	ShouldConnect bool
}

// NewView attaches to conn.
func NewView(conn *provider.Connection) *View {
	return &View{
		conn:          conn,
		ShouldConnect: !conn.UserDisconnected(),
	}
}

// Open connects when the view wants a connection.
func (v *View) Open(ctx context.Context) bool {
	if !v.ShouldConnect {
		return false
	}
	return v.conn.Connect(ctx)
}

// Toggle flips the user-level connection intent.
func (v *View) Toggle(ctx context.Context) bool {
	v.ShouldConnect = !v.ShouldConnect
	v.conn.SetUserDisconnected(!v.ShouldConnect)
	if !v.ShouldConnect {
		v.conn.Disconnect()
		return false
	}
	return v.conn.Connect(ctx)
}

// Release detaches the view. The user-level toggle is kept.
func (v *View) Release() {
	v.conn.Disconnect()
}

// State returns the connection state for display.
func (v *View) State() provider.State {
	return v.conn.State()
}
