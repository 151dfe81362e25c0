package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"sketchsync/api/internal/auth"
	"sketchsync/api/internal/client"
	"sketchsync/api/internal/document"
	"sketchsync/api/internal/persist"
	"sketchsync/api/internal/protocol"
)

const usage = `Usage: sketchctl <command> [options]

Commands:
  token    issue a development access token
  watch    join a sketch and log everything the room sends
  inspect  list or replay command logs kept in a local mirror
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		_, _ = fmt.Fprint(stderr, usage)
		return nil
	}
	switch args[0] {
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "watch":
		return runWatch(args[1:], stderr)
	case "inspect":
		return runInspect(args[1:], stdout)
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func runToken(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", getenv("SKETCH_TOKEN_SECRET", "sketchsync-dev-secret"), "token signing secret")
	uid := fs.String("uid", "", "user id (required)")
	name := fs.String("name", "", "display name, defaults to the user id")
	color := fs.String("color", "#4f46e5", "cursor color")
	role := fs.String("role", "editor", "global role: viewer, editor or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *uid == "" {
		return fmt.Errorf("-uid is required")
	}
	if *name == "" {
		*name = *uid
	}
	token, claims, err := auth.NewVerifier(*secret, *ttl).Issue(*uid, *name, *color, *role)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, token)
	_, _ = fmt.Fprintf(stderr, "expires %s\n", time.Unix(claims.Exp, 0).Format(time.RFC3339))
	return nil
}

func runWatch(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8787/ws", "sync endpoint")
	sketchID := fs.String("sketch", "", "sketch id (required)")
	token := fs.String("token", os.Getenv("SKETCH_TOKEN"), "access token")
	uid := fs.String("uid", "sketchctl", "user id announced in the join frame")
	mirror := fs.String("mirror", "", "bolt file that mirrors the log locally")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sketchID == "" {
		return fmt.Errorf("-sketch is required")
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.TimeOnly}).With().Timestamp().Logger()

	opts := client.Options{
		DocumentID: *sketchID,
		User:       protocol.User{UID: *uid, Name: *uid},
		Credential: *token,
		Logger:     logger,
	}
	if *mirror != "" {
		bolt, err := persist.OpenBoltStore(*mirror)
		if err != nil {
			return err
		}
		defer bolt.Close()
		opts.Mirror = bolt
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(client.WebsocketDialer{URL: *url}, opts)
	if opts.Mirror != nil {
		if err := session.LoadMirror(ctx); err != nil {
			logger.Warn().Err(err).Msg("mirror unreadable")
		}
	}
	session.OnStatus(func(status client.Status) {
		logger.Info().Str("status", string(status)).Msg("connection")
	})
	session.OnMessage(func(msg protocol.Message) {
		event := logger.Info().Str("type", string(msg.Type))
		switch msg.Type {
		case protocol.TypeJoined:
			event = event.Int("commands", len(msg.CommandLog)).Int("users", len(msg.Users))
		case protocol.TypeCommand:
			if msg.Command != nil {
				event = event.Str("uid", msg.Command.UID).Str("op", string(msg.Command.Type)).Str("sid", msg.Command.SID)
			}
		case protocol.TypeUserJoined:
			if msg.User != nil {
				event = event.Str("uid", msg.User.UID).Str("name", msg.User.Name)
			}
		case protocol.TypeUserLeft, protocol.TypeCursor:
			event = event.Str("uid", msg.UID)
		case protocol.TypeError:
			event = event.Str("error", msg.Message)
		}
		event.Msg("frame")
	})

	if err := session.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying")
	}
	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return session.Close(closeCtx)
}

func runInspect(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	mirror := fs.String("mirror", "", "bolt mirror file (required)")
	sketchID := fs.String("sketch", "", "replay this sketch, or list all sketches when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *mirror == "" {
		return fmt.Errorf("-mirror is required")
	}
	bolt, err := persist.OpenBoltStore(*mirror)
	if err != nil {
		return err
	}
	defer bolt.Close()

	if *sketchID == "" {
		ids, err := bolt.Documents()
		if err != nil {
			return err
		}
		for _, id := range ids {
			_, _ = fmt.Fprintln(stdout, id)
		}
		return nil
	}

	cmds, err := bolt.Read(context.Background(), *sketchID)
	if err != nil {
		return err
	}
	scene := document.NewScene()
	skipped := document.Replay(scene, cmds, zerolog.Nop())

	out := json.NewEncoder(stdout)
	out.SetIndent("", "  ")
	return out.Encode(map[string]any{
		"sketchId": *sketchID,
		"commands": len(cmds),
		"skipped":  skipped,
		"shapes":   scene.Snapshot(),
	})
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
