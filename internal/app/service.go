package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/command"
	"sketchsync/api/internal/config"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/rbac"
	"sketchsync/api/internal/room"
	"sketchsync/api/internal/search"
	"sketchsync/api/internal/session"
	"sketchsync/api/internal/store"
	"sketchsync/api/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxNameLength    = 200
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Color     string
	Role      string
	JTI       string
	ExpiresAt time.Time
}

type UpdateSketchInput struct {
	Name *string `json:"name"`
	protocol.Meta
}

// BranchInput selects the commands a branch starts from: explicit Commands
// win, otherwise the first Position commands of the authoritative log, or
// all of it.
type BranchInput struct {
	Name     string            `json:"name"`
	Position *int              `json:"position"`
	Commands []command.Command `json:"commands"`
}

type dataStore interface {
	CreateSketch(ctx context.Context, item store.Sketch) (store.Sketch, error)
	GetSketch(ctx context.Context, sketchID string) (store.Sketch, error)
	ListSketches(ctx context.Context, limit int) ([]store.Sketch, error)
	SearchSketches(ctx context.Context, query string, limit int) ([]store.Sketch, error)
	RenameSketch(ctx context.Context, sketchID, name string) error
	UpdateSketchView(ctx context.Context, sketchID string, meta protocol.Meta) error
	DeleteSketch(ctx context.Context, sketchID string) error
	Ping(ctx context.Context) error
}

type roomRegistry interface {
	Snapshot(ctx context.Context, sketchID string) ([]command.Command, error)
	Live(sketchID string) (*room.Room, bool)
	Active() int
}

type logWriter interface {
	Flush(ctx context.Context, sketchID string, cmds []command.Command) error
}

type sketchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexSketch(sketch store.Sketch)
	DeleteSketch(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	rooms    roomRegistry
	logs     logWriter
	search   sketchIndex
	verifier *auth.Verifier
	guard    *session.Guard
	logger   zerolog.Logger
}

// New wires the REST service. searchSvc may be nil, in which case search
// runs against Postgres only.
func New(cfg config.Config, dataStore dataStore, rooms *room.Manager, writer logWriter, searchSvc *search.Service, verifier *auth.Verifier, guard *session.Guard, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "api").Logger()
	if searchSvc == nil {
		searchSvc = search.NewService(nil, search.NewPostgres(dataStore), logger)
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		rooms:    rooms,
		logs:     writer,
		search:   searchSvc,
		verifier: verifier,
		guard:    guard,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) ActiveRooms() int {
	return s.rooms.Active()
}

// Login issues a development credential. The user id is derived from the
// name so the same name keeps owning its sketches across logins.
func (s *Service) Login(_ context.Context, name, color, role string) (Session, error) {
	if !s.cfg.DevLogin {
		return Session{}, domainError(http.StatusForbidden, "DEV_LOGIN_DISABLED", "Development login is disabled", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, validationError("name is required")
	}
	uid := uuid.NewSHA1(uuid.NameSpaceOID, []byte("sketchsync:"+strings.ToLower(name))).String()
	token, claims, err := s.verifier.Issue(uid, name, color, string(rbac.Normalize(role)))
	if err != nil {
		return Session{}, err
	}
	return sessionOf(token, claims), nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.guard.VerifyContext(ctx, token)
	if err != nil {
		return Session{}, err
	}
	return sessionOf(token, claims), nil
}

// Logout revokes the session's token. It stays refused for the rest of its
// lifetime on the REST API and at sketch join.
func (s *Service) Logout(ctx context.Context, current Session) error {
	if err := s.guard.Revoke(ctx, auth.Claims{JTI: current.JTI, Exp: current.ExpiresAt.Unix()}); err != nil {
		return err
	}
	s.logger.Info().Str("uid", current.UserID).Msg("session revoked")
	return nil
}

func sessionOf(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Color:     claims.Color,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
}

func (s *Service) ListSketches(ctx context.Context, session Session, query string, limit int) (map[string]any, error) {
	limit = clampLimit(limit)
	if strings.TrimSpace(query) != "" {
		resp := s.search.Search(ctx, search.Query{Text: query, Limit: limit})
		return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
	}
	items, err := s.store.ListSketches(ctx, limit)
	if err != nil {
		return nil, err
	}
	sketches := make([]map[string]any, 0, len(items))
	for _, item := range items {
		sketches = append(sketches, sketchView(item, s.roleFor(session, item)))
	}
	return map[string]any{"sketches": sketches}, nil
}

func (s *Service) CreateSketch(ctx context.Context, session Session, name, color string) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(session.Role), rbac.ActionCreate) {
		return nil, errForbidden
	}
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	created, err := s.store.CreateSketch(ctx, store.Sketch{
		ID:      util.NewID("sk"),
		Name:    name,
		OwnerID: session.UserID,
		Color:   color,
	})
	if err != nil {
		return nil, err
	}
	s.search.IndexSketch(created)
	s.logger.Info().Str("sketch", created.ID).Str("uid", session.UserID).Msg("sketch created")
	return sketchView(created, s.roleFor(session, created)), nil
}

func (s *Service) GetSketch(ctx context.Context, session Session, sketchID string) (map[string]any, error) {
	sketch, err := s.authorize(ctx, session, sketchID, rbac.ActionView)
	if err != nil {
		return nil, err
	}
	view := sketchView(sketch, s.roleFor(session, sketch))
	_, live := s.rooms.Live(sketchID)
	view["live"] = live
	return view, nil
}

func (s *Service) UpdateSketch(ctx context.Context, session Session, sketchID string, input UpdateSketchInput) (map[string]any, error) {
	action := rbac.ActionEdit
	if input.Name != nil {
		action = rbac.ActionManage
	}
	if _, err := s.authorize(ctx, session, sketchID, action); err != nil {
		return nil, err
	}
	if input.Name != nil {
		name, err := validName(*input.Name)
		if err != nil {
			return nil, err
		}
		if err := s.store.RenameSketch(ctx, sketchID, name); err != nil {
			return nil, err
		}
	}
	if !input.Meta.Empty() {
		if err := s.store.UpdateSketchView(ctx, sketchID, input.Meta); err != nil {
			return nil, err
		}
	}
	updated, err := s.store.GetSketch(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	if input.Name != nil {
		s.search.IndexSketch(updated)
	}
	return sketchView(updated, s.roleFor(session, updated)), nil
}

// DeleteSketch refuses while a room for the sketch is live, since its
// pending writes would recreate the log.
func (s *Service) DeleteSketch(ctx context.Context, session Session, sketchID string) error {
	if _, err := s.authorize(ctx, session, sketchID, rbac.ActionManage); err != nil {
		return err
	}
	if _, live := s.rooms.Live(sketchID); live {
		return errInUse
	}
	if err := s.store.DeleteSketch(ctx, sketchID); err != nil {
		return err
	}
	s.search.DeleteSketch(sketchID)
	s.logger.Info().Str("sketch", sketchID).Str("uid", session.UserID).Msg("sketch deleted")
	return nil
}

// Commands returns the authoritative log, from the live room when there is
// one.
func (s *Service) Commands(ctx context.Context, session Session, sketchID string) (map[string]any, error) {
	if _, err := s.authorize(ctx, session, sketchID, rbac.ActionView); err != nil {
		return nil, err
	}
	cmds, err := s.rooms.Snapshot(ctx, sketchID)
	if err != nil {
		return nil, err
	}
	if cmds == nil {
		cmds = []command.Command{}
	}
	return map[string]any{"sketchId": sketchID, "commands": cmds, "count": len(cmds)}, nil
}

// Branch creates a new sketch owned by the caller whose log is a copy of the
// selected commands. The source is not modified.
func (s *Service) Branch(ctx context.Context, session Session, sourceID string, input BranchInput) (map[string]any, error) {
	source, err := s.authorize(ctx, session, sourceID, rbac.ActionBranch)
	if err != nil {
		return nil, err
	}

	cmds := input.Commands
	if cmds == nil {
		all, err := s.rooms.Snapshot(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		cmds = all
		if input.Position != nil {
			p := max(0, min(*input.Position, len(all)))
			cmds = all[:p]
		}
	}
	if err := validCommands(cmds); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = source.Name + " (branch)"
	}
	if name, err = validName(name); err != nil {
		return nil, err
	}
	branchedAt := len(cmds)
	created, err := s.store.CreateSketch(ctx, store.Sketch{
		ID:           util.NewID("sk"),
		Name:         name,
		OwnerID:      session.UserID,
		Color:        source.Color,
		PositionX:    source.PositionX,
		PositionY:    source.PositionY,
		Zoom:         source.Zoom,
		BranchedFrom: &source.ID,
		BranchedAt:   &branchedAt,
	})
	if err != nil {
		return nil, err
	}
	if err := s.logs.Flush(ctx, created.ID, cmds); err != nil {
		if delErr := s.store.DeleteSketch(ctx, created.ID); delErr != nil {
			s.logger.Error().Err(delErr).Str("sketch", created.ID).Msg("remove half-created branch")
		}
		return nil, fmt.Errorf("seed branch log: %w", err)
	}
	s.search.IndexSketch(created)
	s.logger.Info().Str("sketch", created.ID).Str("source", sourceID).Int("commands", branchedAt).Msg("sketch branched")
	return sketchView(created, s.roleFor(session, created)), nil
}

func validCommands(cmds []command.Command) error {
	for i, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			return validationError("commands[%d]: %v", i, err)
		}
	}
	if _, err := command.LogOf(cmds); err != nil {
		return validationError("%v", err)
	}
	return nil
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("name is required")
	}
	if len(name) > maxNameLength {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is too long", map[string]any{"max": maxNameLength})
	}
	return name, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func sketchView(item store.Sketch, role rbac.Role) map[string]any {
	return map[string]any{
		"id":           item.ID,
		"name":         item.Name,
		"ownerId":      item.OwnerID,
		"color":        item.Color,
		"positionX":    item.PositionX,
		"positionY":    item.PositionY,
		"zoom":         item.Zoom,
		"branchedFrom": item.BranchedFrom,
		"branchedAt":   item.BranchedAt,
		"createdAt":    item.CreatedAt,
		"updatedAt":    item.UpdatedAt,
		"role":         string(role),
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
