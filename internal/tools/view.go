package tools

import (
	"context"

	"github.com/haasonsaas/strand/pkg/models"
)

// SessionView is the narrow window a tool gets into its session. Tools
// never see the controller or the full entry tree; this is everything
// they may observe or do.
type SessionView interface {
	// SessionID identifies the session the call belongs to.
	SessionID() string

	// SessionFile is the path of the persistent session log, empty for
	// in-memory sessions.
	SessionFile() string

	// CWD is the session working directory.
	CWD() string

	// Model is the model currently driving the session.
	Model() models.ModelInfo

	// QueuedUserMessages reports steering or follow-up text the user
	// queued while the turn runs. Tools can use it to stop early when
	// the user already moved on.
	QueuedUserMessages() []string

	// Abort requests that the whole agent run stop.
	Abort()
}

type sessionViewKey struct{}

// WithSessionView stores a session view in the context for tools.
func WithSessionView(ctx context.Context, view SessionView) context.Context {
	if view == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionViewKey{}, view)
}

// ViewFromContext retrieves the session view from context, or nil when
// the tool runs outside a session.
func ViewFromContext(ctx context.Context) SessionView {
	view, ok := ctx.Value(sessionViewKey{}).(SessionView)
	if !ok {
		return nil
	}
	return view
}
