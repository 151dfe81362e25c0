package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/command"
	"sketchsync/api/internal/persist"
)

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"token", "-secret", "s3cret", "-uid", "u1", "-role", "viewer"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("token error = %v", err)
	}
	claims, err := auth.NewVerifier("s3cret", time.Hour).Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Sub != "u1" || claims.Name != "u1" || claims.Role != "viewer" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenCommandRequiresUID(t *testing.T) {
	if err := run([]string{"token"}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error without -uid")
	}
}

func TestInspectReplaysMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")
	bolt, err := persist.OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore() error = %v", err)
	}
	cmds := []command.Command{
		command.New("u1", command.TypeCreate, "a", json.RawMessage(`{"kind":"rect","x":1,"y":2,"w":3,"h":4}`), time.Now()),
		command.New("u1", command.TypeCreate, "b", json.RawMessage(`{"kind":"rect"}`), time.Now()),
		command.New("u1", command.TypeRemove, "b", json.RawMessage(`{"kind":"rect"}`), time.Now()),
		command.New("u1", command.TypeRemove, "ghost", json.RawMessage(`{"kind":"rect"}`), time.Now()),
	}
	if err := bolt.Write(context.Background(), "sk_1", cmds); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := bolt.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var list bytes.Buffer
	if err := run([]string{"inspect", "-mirror", path}, &list, &bytes.Buffer{}); err != nil {
		t.Fatalf("inspect list error = %v", err)
	}
	if strings.TrimSpace(list.String()) != "sk_1" {
		t.Fatalf("listed %q, want sk_1", list.String())
	}

	var out bytes.Buffer
	if err := run([]string{"inspect", "-mirror", path, "-sketch", "sk_1"}, &out, &bytes.Buffer{}); err != nil {
		t.Fatalf("inspect replay error = %v", err)
	}
	var report struct {
		Commands int `json:"commands"`
		Skipped  int `json:"skipped"`
		Shapes   []struct {
			ID string `json:"id"`
		} `json:"shapes"`
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("parse report %q: %v", out.String(), err)
	}
	if report.Commands != 4 || report.Skipped != 1 || len(report.Shapes) != 1 || report.Shapes[0].ID != "a" {
		t.Fatalf("report = %+v", report)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for an unknown command")
	}
}
