package app

import (
	"context"

	"sketchsync/api/internal/rbac"
	"sketchsync/api/internal/store"
)

// roleFor is the caller's effective role on sketch; owners manage their own
// sketches whatever their global role.
func (s *Service) roleFor(session Session, sketch store.Sketch) rbac.Role {
	return rbac.ForSketch(session.Role, session.UserID, sketch.OwnerID)
}

// authorize loads sketchID and checks that the caller may perform action on
// it. Missing sketches are reported as not found before any role check.
func (s *Service) authorize(ctx context.Context, session Session, sketchID string, action rbac.Action) (store.Sketch, error) {
	sketch, err := s.store.GetSketch(ctx, sketchID)
	if err != nil {
		return store.Sketch{}, err
	}
	if !rbac.Can(s.roleFor(session, sketch), action) {
		s.logger.Info().
			Str("uid", session.UserID).
			Str("sketch", sketchID).
			Str("action", string(action)).
			Msg("forbidden")
		return store.Sketch{}, errForbidden
	}
	return sketch, nil
}
