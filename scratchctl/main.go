package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/exp/maps"
	"golang.org/x/term"

	"github.com/bringyour/scratch/cloud"
	"github.com/bringyour/scratch/project"
)

const ScratchCtlVersion = "0.1.0"

const DefaultTurboWarpUsername = "player"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Scratch cloud and project control.

Hosts are "%s" (default) or "%s". Scratch writes need a saved session.
The default session store is %s.

Usage:
    scratchctl session-add <name> --username=<username> [--sessions=<path>]
    scratchctl session-list [--sessions=<path>]
    scratchctl session-remove <name> [--sessions=<path>]
    scratchctl cloud-set <project_id> <var> <value>
        [--host=<host>] [--session=<name>] [--username=<username>] [--sessions=<path>]
    scratchctl cloud-get <project_id> [<var>] [--log_url=<log_url>]
    scratchctl cloud-watch <project_id> [--poll]
        [--host=<host>] [--session=<name>] [--username=<username>] [--sessions=<path>]
        [--log_url=<log_url>]
    scratchctl requests-serve --config=<config> [--port=<port>] [--sessions=<path>]
    scratchctl project-inspect <path> [--validate] [--no_repair]
    scratchctl project-roundtrip <in> <out>
    scratchctl encode <text>
    scratchctl decode <digits>

Options:
    -h --help                Show this screen.
    --version                Show version.
    --sessions=<path>        Session store.
    --host=<host>            Cloud host [default: %s].
    --session=<name>         Saved session to connect with.
    --username=<username>    Username. For turbowarp any name works.
    --log_url=<log_url>      Cloud log url [default: %s].
    --poll                   Read events from the cloud log instead of the websocket.
    --config=<config>        Requests yaml config.
    -p --port=<port>         Status listen port. No status server when unset.
    --validate               Check project invariants and asset hashes.
    --no_repair              Fail on dangling vlb references instead of repairing.`,
		HostScratch,
		HostTurboWarp,
		DefaultSessionStorePath(),
		HostScratch,
		cloud.ScratchCloudLogUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ScratchCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog reads its own flags
	flag.Set("logtostderr", "true")

	if sessionAdd_, _ := opts.Bool("session-add"); sessionAdd_ {
		sessionAdd(opts)
	} else if sessionList_, _ := opts.Bool("session-list"); sessionList_ {
		sessionList(opts)
	} else if sessionRemove_, _ := opts.Bool("session-remove"); sessionRemove_ {
		sessionRemove(opts)
	} else if cloudSet_, _ := opts.Bool("cloud-set"); cloudSet_ {
		cloudSet(opts)
	} else if cloudGet_, _ := opts.Bool("cloud-get"); cloudGet_ {
		cloudGet(opts)
	} else if cloudWatch_, _ := opts.Bool("cloud-watch"); cloudWatch_ {
		cloudWatch(opts)
	} else if requestsServe_, _ := opts.Bool("requests-serve"); requestsServe_ {
		requestsServe(opts)
	} else if projectInspect_, _ := opts.Bool("project-inspect"); projectInspect_ {
		projectInspect(opts)
	} else if projectRoundtrip_, _ := opts.Bool("project-roundtrip"); projectRoundtrip_ {
		projectRoundtrip(opts)
	} else if encode_, _ := opts.Bool("encode"); encode_ {
		encode(opts)
	} else if decode_, _ := opts.Bool("decode"); decode_ {
		decode(opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		if value, ok := valueAny.(string); ok && value != "" {
			return value
		}
	}
	return defaultValue
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}

func openSessionStore(opts docopt.Opts) *SessionStore {
	store, err := OpenSessionStore(optString(opts, "--sessions", DefaultSessionStorePath()))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return store
}

func sessionAdd(opts docopt.Opts) {
	name, _ := opts.String("<name>")
	username, _ := opts.String("--username")

	// the session id is a secret, never take it from the command line
	fmt.Print("Enter session id: ")
	sessionIdBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	fmt.Printf("\n")

	store := openSessionStore(opts)
	defer store.Close()

	session := &Session{
		Name:      name,
		Host:      HostScratch,
		Username:  username,
		SessionId: strings.TrimSpace(string(sessionIdBytes)),
	}
	if err := store.Put(context.Background(), session); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("Saved session %s for %s\n", name, username)
}

func sessionList(opts docopt.Opts) {
	store := openSessionStore(opts)
	defer store.Close()

	sessions, err := store.List(context.Background())
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, session := range sessions {
		Out.Printf("%s\t%s\t%s\t%s\n", session.Name, session.Host, session.Username, session.CreateTime.Format(time.RFC3339))
	}
}

func sessionRemove(opts docopt.Opts) {
	name, _ := opts.String("<name>")

	store := openSessionStore(opts)
	defer store.Close()

	if err := store.Remove(context.Background(), name); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("Removed session %s\n", name)
}

// cloudAuth resolves the identity for a host.
// Scratch uses a saved session, or connects anonymously read only.
func cloudAuth(opts docopt.Opts, host string, sessionName string, username string) (*cloud.CloudAuth, error) {
	switch host {
	case HostTurboWarp:
		if username == "" {
			username = DefaultTurboWarpUsername
		}
		return &cloud.CloudAuth{
			Username: username,
		}, nil
	case HostScratch:
		if sessionName == "" {
			return &cloud.CloudAuth{
				Username: username,
			}, nil
		}
		store := openSessionStore(opts)
		defer store.Close()
		session, err := store.Get(context.Background(), sessionName)
		if err != nil {
			return nil, err
		}
		return &cloud.CloudAuth{
			Username:  session.Username,
			SessionId: session.SessionId,
		}, nil
	default:
		return nil, fmt.Errorf("Unknown host \"%s\".", host)
	}
}

func newTransport(ctx context.Context, host string, projectId string, auth *cloud.CloudAuth) *cloud.CloudTransport {
	if host == HostTurboWarp {
		return cloud.NewCloudTransport(ctx, projectId, auth, cloud.DefaultTurboWarpCloudSettings())
	}
	return cloud.NewCloudTransport(ctx, projectId, auth, cloud.DefaultScratchCloudSettings())
}

func cloudSet(opts docopt.Opts) {
	projectId, _ := opts.String("<project_id>")
	name, _ := opts.String("<var>")
	value, _ := opts.String("<value>")
	host := optString(opts, "--host", HostScratch)

	auth, err := cloudAuth(opts, host, optString(opts, "--session", ""), optString(opts, "--username", ""))
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	transport := newTransport(ctx, host, projectId, auth)
	defer transport.Close()

	if err := transport.Set(ctx, name, value); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s=%s\n", cloud.WireName(name), value)
}

func cloudGet(opts docopt.Opts) {
	projectId, _ := opts.String("<project_id>")
	logApi := cloud.NewCloudLogApi(optString(opts, "--log_url", cloud.ScratchCloudLogUrl))

	ctx, cancel := signalContext()
	defer cancel()

	if name := optString(opts, "<var>", ""); name != "" {
		value, ok, err := logApi.GetVar(ctx, projectId, name)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		if !ok {
			Err.Fatalf("%s has no value in the log.", cloud.WireName(name))
		}
		Out.Printf("%s\n", value)
		return
	}

	values, err := logApi.GetAllVars(ctx, projectId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, name := range sortedNames(values) {
		Out.Printf("%s=%s\n", cloud.WireName(name), values[name])
	}
}

func cloudWatch(opts docopt.Opts) {
	projectId, _ := opts.String("<project_id>")
	poll, _ := opts.Bool("--poll")
	host := optString(opts, "--host", HostScratch)
	logApi := cloud.NewCloudLogApi(optString(opts, "--log_url", cloud.ScratchCloudLogUrl))

	ctx, cancel := signalContext()
	defer cancel()

	var events *cloud.CloudEvents
	if poll {
		events = cloud.NewPollingCloudEvents(ctx, logApi, projectId, cloud.DefaultCloudEventsSettings())
	} else {
		auth, err := cloudAuth(opts, host, optString(opts, "--session", ""), optString(opts, "--username", ""))
		if err != nil {
			Err.Fatalf("%s", err)
		}
		transport := newTransport(ctx, host, projectId, auth)
		defer transport.Close()
		if host == HostTurboWarp {
			logApi = nil
		}
		events = cloud.NewWsCloudEvents(ctx, transport, logApi, cloud.DefaultCloudEventsSettings())
	}
	defer events.Close()

	events.OnReady(func() {
		Err.Printf("Watching %s\n", projectId)
	})
	events.OnEvent(func(event *cloud.CloudEvent) {
		Out.Printf("%s\n", event)
	})
	events.OnDisconnect(func(err error) {
		Err.Printf("Disconnected: %s\n", err)
		cancel()
	})

	if err := events.Start(); err != nil {
		Err.Fatalf("%s", err)
	}
	<-ctx.Done()
}

func requestsServe(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	config, err := LoadRequestsConfig(configPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if config.ProjectId == "" {
		Err.Fatalf("project_id is required.")
	}

	username := config.Username
	if config.Host == HostScratch {
		username = ""
	}
	auth, err := cloudAuth(opts, config.Host, config.Session, username)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	transport := newTransport(ctx, config.Host, config.ProjectId, auth)
	defer transport.Close()

	var logApi *cloud.CloudLogApi
	if config.Host == HostScratch {
		logApi = cloud.NewScratchCloudLogApi()
	}
	events := cloud.NewWsCloudEvents(ctx, transport, logApi, cloud.DefaultCloudEventsSettings())
	defer events.Close()

	requests := cloud.NewCloudRequests(ctx, transport, events, logApi, config.RequestsSettings())
	defer requests.Close()
	registerRequests(requests, config)

	requests.OnReady(func() {
		Err.Printf("Serving %s on %s: %s\n", strings.Join(requests.RequestNames(), ", "), config.Host, config.ProjectId)
	})
	requests.OnRequest(func(request *cloud.Request) {
		Out.Printf("%s\n", request)
	})
	requests.OnUnknownRequest(func(request *cloud.Request) {
		Err.Printf("Unknown request %s\n", request)
	})
	requests.OnError(func(request *cloud.Request, err error) {
		Err.Printf("%s failed: %s\n", request, err)
	})
	requests.OnDisconnect(func(err error) {
		Err.Printf("Disconnected: %s\n", err)
		cancel()
	})

	status := NewStatus(config, requests)
	if port, err := opts.Int("--port"); err == nil && 0 < port {
		Err.Printf("Status %s on *:%d\n", ScratchCtlVersion, port)
		statusServer := newStatusServer(port, status)
		go func() {
			defer cancel()
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Err.Printf("Status error: %s\n", err)
			}
		}()
		defer statusServer.Shutdown(context.Background())
	}

	if err := requests.Start(); err != nil {
		Err.Fatalf("%s", err)
	}
	select {
	case <-ctx.Done():
	case <-requests.Done():
	}
	requests.Stop()
	if err := requests.Err(); err != nil {
		Err.Fatalf("Stopped: %s", err)
	}
}

// registerRequests adds the built in requests and the configured static replies.
func registerRequests(requests *cloud.CloudRequests, config *RequestsConfig) {
	builtins := map[string]cloud.RequestHandler{
		"ping": func(request *cloud.Request) (any, error) {
			return "pong", nil
		},
		"echo": func(request *cloud.Request) (any, error) {
			return strings.Join(request.Args, "&"), nil
		},
		"time": func(request *cloud.Request) (any, error) {
			return time.Now().Unix(), nil
		},
		"whoami": func(request *cloud.Request) (any, error) {
			return request.Requester(context.Background())
		},
	}
	for name, handler := range builtins {
		requests.Handle(name, handler, config.RequestOptions(name))
	}
	for name, reply := range config.Replies {
		reply := reply
		requests.Handle(name, func(request *cloud.Request) (any, error) {
			return reply, nil
		}, config.RequestOptions(name))
	}
}

func loadSettings(opts docopt.Opts) *project.LoadSettings {
	settings := project.DefaultLoadSettings()
	if noRepair, _ := opts.Bool("--no_repair"); noRepair {
		settings.RepairLinks = false
	}
	return settings
}

func projectInspect(opts docopt.Opts) {
	path, _ := opts.String("<path>")
	validate, _ := opts.Bool("--validate")

	p, err := project.LoadFileWithSettings(path, loadSettings(opts))
	if err != nil {
		Err.Fatalf("%s", err)
	}

	Out.Printf("meta: semver=%s vm=%s agent=%s\n", p.Meta.Semver, p.Meta.Vm, p.Meta.Agent)
	Out.Printf("extensions: %s\n", strings.Join(p.Extensions, ", "))
	for _, target := range p.Targets {
		Out.Printf(
			"%s: %d vlbs, %d blocks, %d scripts, %d comments, %d costumes, %d sounds\n",
			target,
			len(target.Vlbs),
			len(target.Blocks),
			len(target.TopLevelBlocks()),
			len(target.Comments),
			len(target.Costumes),
			len(target.Sounds),
		)
	}
	if names := p.CloudVariableNames(); 0 < len(names) {
		Out.Printf("cloud: %s\n", strings.Join(names, ", "))
	}
	Out.Printf("monitors: %d\n", len(p.Monitors))

	if validate {
		ctx, cancel := signalContext()
		defer cancel()
		if err := errors.Join(p.VerifyAssets(ctx), p.Validate()); err != nil {
			Err.Fatalf("Invalid:\n%s", err)
		}
		Out.Printf("valid\n")
	}
}

func projectRoundtrip(opts docopt.Opts) {
	inPath, _ := opts.String("<in>")
	outPath, _ := opts.String("<out>")

	ctx, cancel := signalContext()
	defer cancel()

	p, err := project.LoadFile(inPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if err := p.SaveFile(ctx, outPath); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("Wrote %s\n", outPath)
}

func encode(opts docopt.Opts) {
	text, _ := opts.String("<text>")
	Out.Printf("%s\n", cloud.Encode(text))
}

func decode(opts docopt.Opts) {
	digits, _ := opts.String("<digits>")
	text, err := cloud.Decode(digits)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", text)
}

func sortedNames(values map[string]string) []string {
	names := maps.Keys(values)
	slices.Sort(names)
	return names
}
