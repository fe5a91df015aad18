package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/tempoplan/collab/collab"
	"github.com/tempoplan/collab/collabserver"
)

const CollabdVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Collab daemon.

Serves the realtime collaboration endpoint: /ws for sessions,
/auth/connect for token exchange, /healthz and /metrics for operators.

Usage:
    collabd serve --secret=<secret> [--port=<port>]
        [--store=<dsn>]
        [--users=<users_file>]
        [--proxied]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --secret=<secret>      Token signing secret, or @<file> to read it from a file.
    -p --port=<port>       Listen port [default: 8090].
    --store=<dsn>          Entity store: memory, bolt:<path>, or postgres://... [default: memory].
    --users=<users_file>   Static credential table, one user:password:display name per line.
    --proxied              Use the proxied timing profile.`

	// library logging goes to stderr alongside the operator log
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	secretOpt, _ := opts.String("--secret")
	secret, err := resolveSecret(secretOpt)
	if err != nil {
		Err.Fatalf("secret: %s", err)
	}

	storeDsn, _ := opts.String("--store")
	store, err := collabserver.OpenEntityStore(storeDsn)
	if err != nil {
		Err.Fatalf("store %s: %s", storeDsn, err)
	}
	defer store.Close()

	profile := collab.EnvironmentProfileDirect
	if proxied_, _ := opts.Bool("--proxied"); proxied_ {
		profile = collab.EnvironmentProfileProxied
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	server := collabserver.NewServer(
		cancelCtx,
		secret,
		store,
		collabserver.DefaultServerSettingsWithProfile(profile),
	)
	defer server.Close()

	if usersPath, _ := opts.String("--users"); usersPath != "" {
		users, err := readUsers(usersPath)
		if err != nil {
			Err.Fatalf("users %s: %s", usersPath, err)
		}
		server.SetCredentialCheck(collabserver.StaticCredentialCheck(users))
		Out.Printf("loaded %d users from %s", len(users), usersPath)
	}

	Out.Printf("collabd %s listening on :%d (store %s, profile %s)", CollabdVersion, port, storeDsn, profile)
	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		Err.Fatalf("serve: %s", err)
	}
}

func resolveSecret(secretOpt string) ([]byte, error) {
	if secretOpt == "" {
		return nil, fmt.Errorf("a secret is required")
	}
	if strings.HasPrefix(secretOpt, "@") {
		secretBytes, err := os.ReadFile(secretOpt[1:])
		if err != nil {
			return nil, err
		}
		secret := strings.TrimSpace(string(secretBytes))
		if secret == "" {
			return nil, fmt.Errorf("secret file is empty")
		}
		return []byte(secret), nil
	}
	return []byte(secretOpt), nil
}

func readUsers(path string) ([]*collabserver.StaticUser, error) {
	usersBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	users := []*collabserver.StaticUser{}
	for i, line := range strings.Split(string(usersBytes), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: expected user:password:display name", i+1)
		}
		users = append(users, &collabserver.StaticUser{
			UserAuth:    parts[0],
			Password:    parts[1],
			DisplayName: parts[2],
		})
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("no users in %s", path)
	}
	return users, nil
}
