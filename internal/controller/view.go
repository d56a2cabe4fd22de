package controller

import (
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

// sessionView exposes the controller to running tools through the
// read-mostly surface tools are allowed to see.
type sessionView struct {
	c *Controller
}

func (v *sessionView) SessionID() string { return v.c.sessionID() }

func (v *sessionView) SessionFile() string {
	b, ok := v.c.backend.(*sessions.JSONLBackend)
	if !ok {
		return ""
	}
	return b.SessionPath(v.c.sessionID())
}

func (v *sessionView) CWD() string { return v.c.cwd() }

func (v *sessionView) Model() models.ModelInfo { return v.c.Model() }

func (v *sessionView) QueuedUserMessages() []string {
	return v.c.engine.Queues().PendingText()
}

func (v *sessionView) Abort() { v.c.engine.Abort() }
