package manager

import (
	"github.com/erx-fd/fachdienst/pkg/task"
	"github.com/erx-fd/fachdienst/pkg/token"
)

// CallerFromClaims translates a verified access token and the
// capability headers the request presented into the task package's own
// Caller type. task.Role is defined independently of token.Role (see
// pkg/task/caller.go) so the engine's authorisation matrix carries no
// dependency on how the caller was authenticated; their string values
// line up exactly, so the conversion is a plain cast.
func CallerFromClaims(c *token.Claims, capability string) task.Caller {
	return task.Caller{
		Role:        task.Role(c.Role()),
		Subject:     c.Subject(),
		KVNR:        c.KVNR(),
		TelematikID: c.TelematikID(),
		AccessCode:  capability,
		Secret:      capability,
	}
}
