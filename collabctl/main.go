package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/tempoplan/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8090"
const DefaultConnectUrl = "ws://localhost:8090/ws"

const commandTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    collabctl tail --project=<project_id>
        [--connect_url=<connect_url>] [--api_url=<api_url>]
        [--token=<token>] [--user_auth=<user_auth>] [--password=<password>]
        [--proxied]
    collabctl send --project=<project_id> --kind=<kind> --id=<entity_id>
        --op=<op> [--payload=<json>]
        [--connect_url=<connect_url>] [--api_url=<api_url>]
        [--token=<token>] [--user_auth=<user_auth>] [--password=<password>]
        [--proxied]
    collabctl roster --project=<project_id>
        [--connect_url=<connect_url>] [--api_url=<api_url>]
        [--token=<token>] [--user_auth=<user_auth>] [--password=<password>]
        [--proxied]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --connect_url=<connect_url>
    --api_url=<api_url>
    --token=<token>              Connect token. When omitted, log in with user_auth.
    --user_auth=<user_auth>
    --password=<password>
    --project=<project_id>       Project room id (uuid).
    --kind=<kind>                Entity kind: task or project.
    --id=<entity_id>             Entity id (uuid).
    --op=<op>                    Operation: create, update, or delete.
    --payload=<json>             JSON object payload.
    --proxied                    Use the proxied timing profile.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	// library logging stays out of the command output
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if roster_, _ := opts.Bool("roster"); roster_ {
		roster(opts)
	}
}

// stream room activity to stdout until interrupted
func tail(opts docopt.Opts) {
	projectId := requireIdOpt(opts, "--project")

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := buildClient(cancelCtx, opts)
	defer client.Close()

	unsubs := []func(){
		client.AddStateChangeCallback(func(state *collab.ConnectionState) {
			if state.LastErr != nil {
				Out.Printf("state %s (%s)", state.Phase, state.LastErr)
			} else {
				Out.Printf("state %s codec=%s", state.Phase, state.CodecName)
			}
		}),
		client.AddRosterChangeCallback(func(membership *collab.RoomMembership) {
			if membership == nil {
				return
			}
			names := []string{}
			for _, user := range membership.Users {
				names = append(names, user.DisplayName)
			}
			Out.Printf("roster (%d): %s", len(names), strings.Join(names, ", "))
		}),
		client.AddPresenceEventCallback(func(event *collab.PresenceEvent) {
			if event.Joined {
				Out.Printf("+ %s", event.DisplayName)
			} else {
				Out.Printf("- %s", event.UserId)
			}
		}),
		client.AddAppliedCallback(func(applied *collab.AppliedUpdate) {
			suffix := ""
			if applied.Resolved {
				suffix = " (resolved)"
			}
			event := applied.Event
			Out.Printf(
				"update %s %s by %s at %s%s",
				event.Operation,
				event.Key(),
				event.OriginUserId,
				event.ModifiedAt.Format(time.RFC3339Nano),
				suffix,
			)
		}),
		client.AddConflictCallback(func(conflictCase *collab.ConflictCase) {
			Out.Printf(
				"conflict %s on %s remote=%s",
				conflictCase.CaseId,
				conflictCase.Incoming.Key(),
				conflictCase.Incoming.ModifiedAt.Format(time.RFC3339Nano),
			)
		}),
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	client.JoinRoom(projectId)
	client.Connect()

	select {
	case <-cancelCtx.Done():
	}
}

// emit one update and wait for the room echo
func send(opts docopt.Opts) {
	projectId := requireIdOpt(opts, "--project")
	entityId := requireIdOpt(opts, "--id")

	kindStr, _ := opts.String("--kind")
	entityKind := collab.EntityKind(kindStr)
	if !entityKind.IsValid() {
		Err.Fatalf("unknown kind %s", kindStr)
	}
	opStr, _ := opts.String("--op")
	operation := collab.Operation(opStr)
	if !operation.IsValid() {
		Err.Fatalf("unknown op %s", opStr)
	}
	var payload json.RawMessage
	if payloadStr := optString(opts, "--payload", ""); payloadStr != "" {
		if !json.Valid([]byte(payloadStr)) {
			Err.Fatalf("payload is not valid json")
		}
		payload = json.RawMessage(payloadStr)
	}

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := buildClient(cancelCtx, opts)
	defer client.Close()

	joined := make(chan struct{}, 1)
	unsubMembership := client.RoomManager().AddMembershipChangeCallback(func(membership *collab.RoomMembership) {
		if membership != nil {
			select {
			case joined <- struct{}{}:
			default:
			}
		}
	})
	defer unsubMembership()

	echo := make(chan *collab.EntityUpdateResult, 1)
	unsubEcho := collab.SubscribeFramePayload(client.ConnectionManager(), collab.EventEntityUpdate, func(result *collab.EntityUpdateResult) {
		if result.EntityKind == entityKind && result.EntityId == entityId {
			select {
			case echo <- result:
			default:
			}
		}
	})
	defer unsubEcho()

	client.JoinRoom(projectId)
	client.Connect()

	select {
	case <-cancelCtx.Done():
		os.Exit(0)
	case <-joined:
	case <-time.After(commandTimeout):
		Err.Fatalf("join timed out")
	}

	welcome := client.ConnectionManager().Welcome()
	if welcome == nil {
		Err.Fatalf("not connected")
	}
	if err := client.Send(entityKind, entityId, operation, payload, welcome.ServerTime); err != nil {
		Err.Fatalf("send: %s", err)
	}

	select {
	case <-cancelCtx.Done():
	case result := <-echo:
		Out.Printf("sent %s %s at %s", result.Operation, result.UpdateEvent().Key(), result.ModifiedAt.Format(time.RFC3339Nano))
	case <-time.After(commandTimeout):
		Err.Fatalf("send was not echoed")
	}
}

// print the current room roster and exit
func roster(opts docopt.Opts) {
	projectId := requireIdOpt(opts, "--project")

	cancelCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	client := buildClient(cancelCtx, opts)
	defer client.Close()

	rosterChannel := make(chan *collab.RoomMembership, 1)
	unsub := client.AddRosterChangeCallback(func(membership *collab.RoomMembership) {
		if membership != nil && !membership.Stale {
			select {
			case rosterChannel <- membership:
			default:
			}
		}
	})
	defer unsub()

	client.JoinRoom(projectId)
	client.Connect()

	select {
	case <-cancelCtx.Done():
	case membership := <-rosterChannel:
		for _, user := range membership.Users {
			Out.Printf("%s %s", user.UserId, user.DisplayName)
		}
	case <-time.After(commandTimeout):
		Err.Fatalf("roster timed out")
	}
}

func buildClient(ctx context.Context, opts docopt.Opts) *collab.Client {
	connectUrl := optString(opts, "--connect_url", DefaultConnectUrl)

	profile := collab.EnvironmentProfileDirect
	if proxied_, _ := opts.Bool("--proxied"); proxied_ {
		profile = collab.EnvironmentProfileProxied
	}

	auth := &collab.ClientAuth{
		Token:      provideToken(ctx, opts),
		InstanceId: collab.NewId(),
		AppVersion: fmt.Sprintf("collabctl %s", CollabCtlVersion),
	}
	return collab.NewClient(ctx, connectUrl, auth, collab.DefaultClientSettings(profile))
}

// a --token is used directly. Otherwise exchange credentials at /auth/connect,
// prompting for the password when it was not given.
func provideToken(ctx context.Context, opts docopt.Opts) string {
	if token := optString(opts, "--token", ""); token != "" {
		return token
	}

	userAuth := optString(opts, "--user_auth", "")
	if userAuth == "" {
		Err.Fatalf("a --token or --user_auth is required")
	}
	password := optString(opts, "--password", "")
	if password == "" {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	api := collab.NewCollabApiWithContext(ctx, apiUrl)
	defer api.Close()

	authCallback, authChannel := collab.NewBlockingApiCallback[*collab.AuthConnectResult]()
	api.AuthConnect(&collab.AuthConnectArgs{
		UserAuth: userAuth,
		Password: password,
	}, authCallback)

	var authResult collab.ApiCallbackResult[*collab.AuthConnectResult]
	select {
	case <-ctx.Done():
		os.Exit(0)
	case authResult = <-authChannel:
	}
	if authResult.Error != nil {
		panic(authResult.Error)
	}
	if authResult.Result.Error != nil {
		panic(fmt.Errorf("%s", authResult.Result.Error.Message))
	}

	Out.Printf("logged in as %s", authResult.Result.DisplayName)
	return authResult.Result.Token
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value := opts[key]; value != nil {
		return value.(string)
	}
	return defaultValue
}

func requireIdOpt(opts docopt.Opts, key string) collab.Id {
	idStr, _ := opts.String(key)
	id, err := collab.ParseId(idStr)
	if err != nil {
		Err.Fatalf("invalid %s (%s)", key, err)
	}
	return id
}
