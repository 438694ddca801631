package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/roster"
	"github.com/nhalm/roster/registry"
	"github.com/nhalm/roster/store"
)

type createUserRequest struct {
	Name string   `json:"name" validate:"required"`
	Tags []string `json:"tags"`
}

type addTagsRequest struct {
	Tags []string `json:"tags" validate:"required"`
}

type inactiveQuery struct {
	InactiveSince int `query:"inactive_since" validate:"required,min=1"`
}

type userResponse struct {
	User           registry.User `json:"user"`
	ProcessingTime float64       `json:"processing_time"`
}

type listResponse struct {
	Users []registry.User `json:"users"`
}

type deletedResponse struct {
	DeletedCount int64 `json:"deleted_count"`
}

func (s *server) createUser(_ http.ResponseWriter, r *http.Request) {
	start := s.now()

	var req createUserRequest
	if !roster.JSON(r, &req) {
		return
	}

	u, err := s.users.Create(r.Context(), registry.User{Name: req.Name, Tags: req.Tags})
	if err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	canonlog.InfoAdd(r.Context(), "user", u.Name)
	roster.SetResponse(r, http.StatusCreated, userResponse{
		User:           u,
		ProcessingTime: s.now().Sub(start).Seconds(),
	})
}

func (s *server) listUsers(_ http.ResponseWriter, r *http.Request) {
	users, err := s.users.List(r.Context())
	if err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	canonlog.InfoAdd(r.Context(), "user_count", len(users))
	roster.SetResponse(r, http.StatusOK, listResponse{Users: users})
}

// getUser returns the user and marks it active.
func (s *server) getUser(_ http.ResponseWriter, r *http.Request) {
	start := s.now()
	name := chi.URLParam(r, "name")

	u, err := s.users.Get(r.Context(), name)
	if err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	if u, err = s.touch(r.Context(), u); err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	roster.SetResponse(r, http.StatusOK, userResponse{
		User:           u,
		ProcessingTime: s.now().Sub(start).Seconds(),
	})
}

// addTags merges the given tags into the user's tags. A merged list that breaks a tag
// rule is rejected with 422 and leaves the user unchanged.
func (s *server) addTags(_ http.ResponseWriter, r *http.Request) {
	var req addTagsRequest
	if !roster.JSON(r, &req) {
		return
	}

	u, err := s.users.AddTags(r.Context(), chi.URLParam(r, "name"), req.Tags)
	if err != nil {
		fail(r, err, http.StatusUnprocessableEntity)
		return
	}
	if u, err = s.touch(r.Context(), u); err != nil {
		fail(r, err, http.StatusUnprocessableEntity)
		return
	}
	roster.SetResponse(r, http.StatusOK, u)
}

func (s *server) deleteUser(_ http.ResponseWriter, r *http.Request) {
	if err := s.users.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	roster.SetResponse(r, http.StatusNoContent, nil)
}

func (s *server) deleteAllUsers(_ http.ResponseWriter, r *http.Request) {
	n, err := s.users.DeleteAll(r.Context())
	if err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	canonlog.InfoAdd(r.Context(), "deleted_count", n)
	roster.SetResponse(r, http.StatusOK, deletedResponse{DeletedCount: n})
}

func (s *server) deleteInactiveUsers(_ http.ResponseWriter, r *http.Request) {
	var q inactiveQuery
	if !roster.Query(r, &q) {
		return
	}

	cutoff := s.now().Add(-time.Duration(q.InactiveSince) * 24 * time.Hour)
	n, err := s.users.DeleteInactive(r.Context(), cutoff)
	if err != nil {
		fail(r, err, http.StatusBadRequest)
		return
	}
	canonlog.InfoAddMany(r.Context(), map[string]any{
		"sweep_cutoff":  cutoff.UTC().Format(time.RFC3339),
		"deleted_count": n,
	})
	roster.SetResponse(r, http.StatusOK, deletedResponse{DeletedCount: n})
}

func (s *server) touch(ctx context.Context, u registry.User) (registry.User, error) {
	at := s.now().UTC()
	if err := s.users.Touch(ctx, u.Name, at); err != nil {
		return registry.User{}, err
	}
	u.LastActive = &at
	return u, nil
}

// fail maps a registry error onto the API error taxonomy. validationStatus is the
// status used for rule violations (400 on create, 422 on tag merges).
func fail(r *http.Request, err error, validationStatus int) {
	var ve *registry.ValidationError
	switch {
	case errors.As(err, &ve):
		roster.SetError(r, roster.NewRuleViolation(validationStatus, roster.FieldError{
			Param:   ve.Field,
			Code:    ve.Code,
			Message: ve.Message,
		}))
	case errors.Is(err, registry.ErrConflict):
		roster.SetError(r, roster.ErrConflict.With("User already exists"))
	case errors.Is(err, registry.ErrNotFound):
		roster.SetError(r, roster.ErrNotFound.With("Not found"))
	case errors.Is(err, store.ErrUnavailable):
		logError(r.Context(), err)
		roster.SetError(r, roster.ErrServiceUnavailable.With("store unavailable"))
	default:
		logError(r.Context(), err)
		roster.SetError(r, roster.ErrInternal)
	}
}

func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
