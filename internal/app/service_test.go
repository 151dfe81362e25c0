package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/command"
	"sketchsync/api/internal/config"
	"sketchsync/api/internal/protocol"
	"sketchsync/api/internal/room"
	"sketchsync/api/internal/search"
	"sketchsync/api/internal/session"
	"sketchsync/api/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	sketches map[string]store.Sketch
	pingFn   func(context.Context) error
}

func newFakeStore(items ...store.Sketch) *fakeStore {
	fs := &fakeStore{sketches: make(map[string]store.Sketch)}
	for _, item := range items {
		fs.sketches[item.ID] = item
	}
	return fs
}

func (f *fakeStore) CreateSketch(_ context.Context, item store.Sketch) (store.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sketches[item.ID]; ok {
		return store.Sketch{}, store.ErrConflict
	}
	if item.Zoom == 0 {
		item.Zoom = 1
	}
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	f.sketches[item.ID] = item
	return item, nil
}

func (f *fakeStore) GetSketch(_ context.Context, id string) (store.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.sketches[id]
	if !ok {
		return store.Sketch{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeStore) ListSketches(_ context.Context, limit int) ([]store.Sketch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Sketch, 0, len(f.sketches))
	for _, item := range f.sketches {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SearchSketches(ctx context.Context, query string, limit int) ([]store.Sketch, error) {
	all, _ := f.ListSketches(ctx, 0)
	var out []store.Sketch
	for _, item := range all {
		if strings.Contains(strings.ToLower(item.Name), strings.ToLower(query)) && len(out) < limit {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeStore) RenameSketch(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.sketches[id]
	if !ok {
		return store.ErrNotFound
	}
	item.Name = name
	f.sketches[id] = item
	return nil
}

func (f *fakeStore) UpdateSketchView(_ context.Context, id string, meta protocol.Meta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.sketches[id]
	if !ok {
		return store.ErrNotFound
	}
	if meta.Color != nil {
		item.Color = *meta.Color
	}
	if meta.PositionX != nil {
		item.PositionX = *meta.PositionX
	}
	if meta.PositionY != nil {
		item.PositionY = *meta.PositionY
	}
	if meta.Zoom != nil {
		item.Zoom = *meta.Zoom
	}
	f.sketches[id] = item
	return nil
}

func (f *fakeStore) DeleteSketch(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sketches[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.sketches, id)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRooms struct {
	logs map[string][]command.Command
	live map[string]bool
}

func (f *fakeRooms) Snapshot(_ context.Context, id string) ([]command.Command, error) {
	return append([]command.Command{}, f.logs[id]...), nil
}

func (f *fakeRooms) Live(id string) (*room.Room, bool) {
	return nil, f.live[id]
}

func (f *fakeRooms) Active() int {
	return len(f.live)
}

type fakeLogs struct {
	flushed map[string][]command.Command
	err     error
}

func (f *fakeLogs) Flush(_ context.Context, id string, cmds []command.Command) error {
	if f.err != nil {
		return f.err
	}
	f.flushed[id] = cmds
	return nil
}

type fixture struct {
	svc   *Service
	store *fakeStore
	rooms *fakeRooms
	logs  *fakeLogs
}

func newFixture(items ...store.Sketch) *fixture {
	fs := newFakeStore(items...)
	fr := &fakeRooms{logs: make(map[string][]command.Command), live: make(map[string]bool)}
	fl := &fakeLogs{flushed: make(map[string][]command.Command)}
	verifier := auth.NewVerifier("test-secret", time.Hour)
	svc := &Service{
		cfg:      config.Config{DevLogin: true},
		store:    fs,
		rooms:    fr,
		logs:     fl,
		search:   search.NewService(nil, search.NewPostgres(fs), zerolog.Nop()),
		verifier: verifier,
		guard:    session.NewGuard(verifier, session.NewMemoryStore()),
		logger:   zerolog.Nop(),
	}
	return &fixture{svc: svc, store: fs, rooms: fr, logs: fl}
}

func sessionFor(uid, role string) Session {
	return Session{UserID: uid, UserName: uid, Role: role}
}

func sampleCommands(t *testing.T, n int) []command.Command {
	t.Helper()
	cmds := make([]command.Command, 0, n)
	for i := 0; i < n; i++ {
		cmds = append(cmds, command.New("u1", command.TypeCreate, command.NewID(), json.RawMessage(`{"kind":"rect"}`), time.Now()))
	}
	return cmds
}

func statusOf(err error) int {
	status, _, _, _ := mapError(err)
	return status
}

func TestBranchFromPositionCopiesPrefix(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner", Color: "#f00", Zoom: 2})
	f.rooms.logs["src"] = sampleCommands(t, 5)

	position := 3
	view, err := f.svc.Branch(context.Background(), sessionFor("u2", "editor"), "src", BranchInput{Position: &position})
	if err != nil {
		t.Fatalf("Branch() error = %v", err)
	}
	id, _ := view["id"].(string)
	if id == "" || id == "src" {
		t.Fatalf("Branch() id = %q", id)
	}
	if got := f.logs.flushed[id]; len(got) != 3 || got[2].ID != f.rooms.logs["src"][2].ID {
		t.Fatalf("branch log = %+v, want the first 3 source commands", got)
	}
	if len(f.rooms.logs["src"]) != 5 {
		t.Fatalf("source log changed: %d commands", len(f.rooms.logs["src"]))
	}

	branch, _ := f.store.GetSketch(context.Background(), id)
	if branch.OwnerID != "u2" || branch.Name != "Plan (branch)" || branch.Color != "#f00" || branch.Zoom != 2 {
		t.Fatalf("branch metadata = %+v", branch)
	}
	if branch.BranchedFrom == nil || *branch.BranchedFrom != "src" || branch.BranchedAt == nil || *branch.BranchedAt != 3 {
		t.Fatalf("branch lineage = %v/%v", branch.BranchedFrom, branch.BranchedAt)
	}
	if view["role"] != "owner" {
		t.Fatalf("role = %v, want owner of the new branch", view["role"])
	}
}

func TestBranchPositionIsClamped(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner"})
	f.rooms.logs["src"] = sampleCommands(t, 2)

	for _, position := range []int{-4, 99} {
		view, err := f.svc.Branch(context.Background(), sessionFor("owner", "viewer"), "src", BranchInput{Position: &position, Name: "b"})
		if err != nil {
			t.Fatalf("Branch(%d) error = %v", position, err)
		}
		got := len(f.logs.flushed[view["id"].(string)])
		want := 0
		if position > 0 {
			want = 2
		}
		if got != want {
			t.Fatalf("Branch(%d) copied %d commands, want %d", position, got, want)
		}
	}
}

func TestBranchFromExplicitCommands(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner"})
	cmds := sampleCommands(t, 2)

	view, err := f.svc.Branch(context.Background(), sessionFor("u2", "editor"), "src", BranchInput{Name: "  What if  ", Commands: cmds})
	if err != nil {
		t.Fatalf("Branch() error = %v", err)
	}
	if view["name"] != "What if" {
		t.Fatalf("name = %v", view["name"])
	}
	if got := f.logs.flushed[view["id"].(string)]; len(got) != 2 {
		t.Fatalf("branch log has %d commands, want 2", len(got))
	}
}

func TestBranchRejectsDuplicateCommands(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner"})
	cmds := sampleCommands(t, 1)
	cmds = append(cmds, cmds[0])

	_, err := f.svc.Branch(context.Background(), sessionFor("u2", "editor"), "src", BranchInput{Commands: cmds})
	if statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("Branch() error = %v, want 422", err)
	}
	if len(f.store.sketches) != 1 {
		t.Fatalf("a sketch was created for an invalid branch")
	}
}

func TestBranchRollsBackWhenLogCannotBeWritten(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner"})
	f.logs.err = errors.New("disk full")

	if _, err := f.svc.Branch(context.Background(), sessionFor("u2", "editor"), "src", BranchInput{}); err == nil {
		t.Fatalf("Branch() expected error")
	}
	if len(f.store.sketches) != 1 {
		t.Fatalf("half-created branch left behind: %d sketches", len(f.store.sketches))
	}
}

func TestBranchRequiresPermission(t *testing.T) {
	f := newFixture(store.Sketch{ID: "src", Name: "Plan", OwnerID: "owner"})
	_, err := f.svc.Branch(context.Background(), sessionFor("u2", "viewer"), "src", BranchInput{})
	if statusOf(err) != http.StatusForbidden {
		t.Fatalf("Branch() error = %v, want 403", err)
	}
	_, err = f.svc.Branch(context.Background(), sessionFor("u2", "editor"), "missing", BranchInput{})
	if statusOf(err) != http.StatusNotFound {
		t.Fatalf("Branch() error = %v, want 404", err)
	}
}

func TestDeleteRefusesLiveSketch(t *testing.T) {
	f := newFixture(store.Sketch{ID: "s1", Name: "Plan", OwnerID: "owner"})
	f.rooms.live["s1"] = true

	err := f.svc.DeleteSketch(context.Background(), sessionFor("owner", "editor"), "s1")
	if statusOf(err) != http.StatusConflict {
		t.Fatalf("DeleteSketch() error = %v, want 409", err)
	}

	delete(f.rooms.live, "s1")
	if err := f.svc.DeleteSketch(context.Background(), sessionFor("owner", "editor"), "s1"); err != nil {
		t.Fatalf("DeleteSketch() error = %v", err)
	}
}

func TestOnlyOwnersManage(t *testing.T) {
	f := newFixture(store.Sketch{ID: "s1", Name: "Plan", OwnerID: "owner"})
	name := "Renamed"

	_, err := f.svc.UpdateSketch(context.Background(), sessionFor("u2", "editor"), "s1", UpdateSketchInput{Name: &name})
	if statusOf(err) != http.StatusForbidden {
		t.Fatalf("rename by editor error = %v, want 403", err)
	}
	if err := f.svc.DeleteSketch(context.Background(), sessionFor("u2", "editor"), "s1"); statusOf(err) != http.StatusForbidden {
		t.Fatalf("delete by editor error = %v, want 403", err)
	}

	zoom := 3.0
	view, err := f.svc.UpdateSketch(context.Background(), sessionFor("u2", "editor"), "s1", UpdateSketchInput{Meta: protocol.Meta{Zoom: &zoom}})
	if err != nil {
		t.Fatalf("view update by editor error = %v", err)
	}
	if view["zoom"] != 3.0 {
		t.Fatalf("zoom = %v", view["zoom"])
	}

	view, err = f.svc.UpdateSketch(context.Background(), sessionFor("admin", "admin"), "s1", UpdateSketchInput{Name: &name})
	if err != nil {
		t.Fatalf("rename by admin error = %v", err)
	}
	if view["name"] != "Renamed" {
		t.Fatalf("name = %v", view["name"])
	}
}

func TestCreateSketchValidation(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.CreateSketch(context.Background(), sessionFor("u1", "editor"), "   ", ""); statusOf(err) != http.StatusUnprocessableEntity {
		t.Fatalf("CreateSketch(blank) error = %v, want 422", err)
	}
	if _, err := f.svc.CreateSketch(context.Background(), sessionFor("u1", "viewer"), "Plan", ""); statusOf(err) != http.StatusForbidden {
		t.Fatalf("CreateSketch(viewer) error = %v, want 403", err)
	}
	view, err := f.svc.CreateSketch(context.Background(), sessionFor("u1", "editor"), "Plan", "#0af")
	if err != nil {
		t.Fatalf("CreateSketch() error = %v", err)
	}
	if view["ownerId"] != "u1" || view["role"] != "owner" || view["zoom"] != 1.0 {
		t.Fatalf("CreateSketch() = %+v", view)
	}
}

func TestLoginIsStablePerName(t *testing.T) {
	f := newFixture()
	first, err := f.svc.Login(context.Background(), "Avery", "", "editor")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	second, err := f.svc.Login(context.Background(), "avery", "", "editor")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("user ids differ: %s vs %s", first.UserID, second.UserID)
	}
	session, err := f.svc.SessionFromToken(context.Background(), first.Token)
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if session.UserID != first.UserID || session.Role != "editor" {
		t.Fatalf("SessionFromToken() = %+v", session)
	}

	f.svc.cfg.DevLogin = false
	if _, err := f.svc.Login(context.Background(), "Avery", "", ""); statusOf(err) != http.StatusForbidden {
		t.Fatalf("Login() with dev login disabled error = %v, want 403", err)
	}
}
