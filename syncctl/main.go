package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/syncconnect/connect"
)

const SyncCtlVersion = "0.0.1"

func main() {
	usage := `Sync control.

Values and states are JSON. A value that is not valid JSON is used as a string.
A state is an object with "value", "timestamp" (epoch millis) and optionally "priority".

Usage:
    syncctl connect [--url=<url>] [--jwt=<jwt>] [--config=<config>]
        [--strategy=<strategy>] [--custom=<expr>]
        [--interactive]
        [--metrics_addr=<metrics_addr>]
    syncctl send [--url=<url>] [--jwt=<jwt>] [--config=<config>]
        [--timeout=<timeout>]
        <key> <value>
    syncctl resolve [--config=<config>] [--strategy=<strategy>] [--custom=<expr>]
        <local> <remote>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Websocket url of the collaboration server.
    --jwt=<jwt>                      Your platform JWT. The client id is read from the claims.
    --config=<config>                Yaml settings file.
    --strategy=<strategy>            Default conflict strategy.
    --custom=<expr>                  Expression for the custom strategy.
    --interactive                    Ask on the terminal when a conflict needs a decision.
    --metrics_addr=<metrics_addr>    Serve /metrics and /status on this address.
    --timeout=<timeout>              Wait this long for the server to acknowledge [default: 10s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if connect_, _ := opts.Bool("connect"); connect_ {
		connectClient(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		resolve(opts)
	}
}

// settings from the config file and flags. flags win.
func loadSettings(opts docopt.Opts) (settings *connect.SyncClientSettings, address string) {
	settings = connect.DefaultSyncClientSettings()

	if configPath, err := opts.String("--config"); err == nil {
		fileConfig, err := connect.LoadFileConfig(configPath)
		if err != nil {
			fmt.Printf("Could not load config (%s).\n", err)
			os.Exit(1)
		}
		if err := fileConfig.Apply(settings); err != nil {
			fmt.Printf("Invalid config (%s).\n", err)
			os.Exit(1)
		}
		address = fileConfig.Address
	}

	if strategy, err := opts.String("--strategy"); err == nil {
		settings.ConflictEngineSettings.DefaultStrategy = strategy
	}
	if custom, err := opts.String("--custom"); err == nil {
		exprStrategy, err := connect.NewExprStrategy(custom)
		if err != nil {
			fmt.Printf("Invalid custom strategy (%s).\n", err)
			os.Exit(1)
		}
		settings.ConflictEngineSettings.CustomStrategy = exprStrategy
	}
	if url, err := opts.String("--url"); err == nil {
		address = url
	}
	return
}

func loadIdentity(opts docopt.Opts) (connect.ClientIdentity, string) {
	jwt, err := opts.String("--jwt")
	if err != nil {
		return connect.ProcessIdentity(), ""
	}
	identity, err := connect.IdentityFromJwt(jwt)
	if err != nil {
		fmt.Printf("Invalid jwt (%s).\n", err)
		os.Exit(1)
	}
	return identity, jwt
}

func requireAddress(address string) string {
	if address == "" {
		fmt.Printf("Missing url. Set --url or address in the config.\n")
		os.Exit(1)
	}
	normalized, err := connect.NormalizeAddress(address)
	if err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}
	return normalized
}

// run a client until interrupted
func connectClient(opts docopt.Opts) {
	settings, address := loadSettings(opts)
	address = requireAddress(address)
	identity, jwt := loadIdentity(opts)

	interactive, _ := opts.Bool("--interactive")
	if interactive && !term.IsTerminal(int(syscall.Stdin)) {
		fmt.Printf("Not a terminal, conflicts will be resolved automatically.\n")
		interactive = false
	}
	if interactive {
		settings.AutoResolve = false
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	metrics := connect.NewMetrics(registry)

	store := connect.NewMapStateStore()
	syncClient := connect.NewSyncClient(
		ctx,
		identity,
		store,
		connect.NewWsDialerWithDefaults(),
		connect.NewTimeScheduler(),
		metrics,
		settings,
	)
	defer syncClient.Close()

	fmt.Printf("client_id: %s\n", identity.ClientId)
	fmt.Printf("session_id: %s\n", identity.SessionId)

	store.AddChangeCallback(func(change connect.Change) {
		fmt.Printf("%s %s = %s\n", change.Payload.Source, change.Payload.Key, jsonString(change.Payload.Value.Value()))
	})
	syncClient.AddStatusCallback(func(status connect.SyncStatus) {
		fmt.Printf(
			"[%s] pending=%d conflicts=%d errors=%d\n",
			status.ConnectionState,
			status.PendingOperations,
			len(status.Conflicts),
			len(status.Errors),
		)
	})
	syncClient.Supervisor().AddReconnectExhaustedCallback(func(err *connect.ReconnectExhaustedError) {
		fmt.Printf("Giving up (%s).\n", err)
		cancel()
	})

	if interactive {
		go connect.HandleError(func() {
			promptConflicts(ctx, syncClient.ConflictEngine())
		})
	}

	if metricsAddr, err := opts.String("--metrics_addr"); err == nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/status", &Status{syncClient: syncClient})
		statusServer := &http.Server{
			Addr:    metricsAddr,
			Handler: mux,
		}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Printf("status error: %s\n", err)
			}
		}()
		defer statusServer.Shutdown(context.Background())
		fmt.Printf("Status on %s\n", metricsAddr)
	}

	err := syncClient.Connect(ctx, address, connect.ConnectOptions{Jwt: jwt})
	if err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		return
	}

	select {
	case <-ctx.Done():
	}
}

// asks for a decision for each conflict that waits on a user, one at a time
func promptConflicts(ctx context.Context, conflictEngine *connect.ConflictEngine) {
	conflicts := make(chan connect.Conflict, 32)
	unsubscribe := conflictEngine.AddConflictCallback(func(conflict connect.Conflict) {
		if conflict.Status == connect.ConflictStatusResolving {
			select {
			case conflicts <- conflict:
			default:
				fmt.Printf("Too many conflicts waiting, %s will time out.\n", conflict.Id)
			}
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- scanner.Text():
			}
		}
	}()

	for {
		var conflict connect.Conflict
		select {
		case <-ctx.Done():
			return
		case conflict = <-conflicts:
		}

		fmt.Printf("Conflict %s on %s\n", conflict.Id, conflict.Key)
		fmt.Printf("    local:  %s\n", jsonString(conflict.LocalState))
		fmt.Printf("    remote: %s\n", jsonString(conflict.RemoteUpdate))
		fmt.Printf("Keep [l]ocal, take [r]emote, [m]erge, or enter a JSON value: ")

		var line string
		select {
		case <-ctx.Done():
			return
		case line = <-lines:
		}

		resolution, err := userResolution(&conflict, strings.TrimSpace(line))
		if err != nil {
			fmt.Printf("%s\n", err)
			conflictEngine.CancelUserIntervention(conflict.Id, err)
			continue
		}
		if !conflictEngine.ProvideUserResolution(conflict.Id, resolution) {
			fmt.Printf("Conflict %s is no longer waiting.\n", conflict.Id)
		}
	}
}

func userResolution(conflict *connect.Conflict, answer string) (*connect.Resolution, error) {
	switch answer {
	case "l", "local":
		return connect.AcceptLocal(conflict, "user kept local"), nil
	case "r", "remote":
		return connect.AcceptRemote(conflict, "user took remote"), nil
	case "m", "merge":
		return connect.MergeStrategy(conflict)
	case "":
		return nil, errors.New("No answer.")
	default:
		state := connect.NewEntityState(parseValue(answer), time.Now().UnixMilli())
		return connect.UserChoice(state, "user entered a value"), nil
	}
}

// send one update and wait for the acknowledgement
func send(opts docopt.Opts) {
	settings, address := loadSettings(opts)
	address = requireAddress(address)
	identity, jwt := loadIdentity(opts)

	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		fmt.Printf("Invalid timeout (%s).\n", err)
		os.Exit(1)
	}
	key, _ := opts.String("<key>")
	valueStr, _ := opts.String("<value>")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	syncClient := connect.NewSyncClient(
		ctx,
		identity,
		connect.NewMapStateStore(),
		connect.NewWsDialerWithDefaults(),
		connect.NewTimeScheduler(),
		connect.NewUnregisteredMetrics(),
		settings,
	)
	defer syncClient.Close()

	acked := make(chan struct{})
	syncClient.AddStatusCallback(func(status connect.SyncStatus) {
		if !status.LastSync.IsZero() && status.PendingOperations == 0 {
			select {
			case <-acked:
			default:
				close(acked)
			}
		}
	})

	if err := syncClient.Connect(ctx, address, connect.ConnectOptions{Jwt: jwt}); err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		os.Exit(1)
	}
	if _, err := syncClient.Update(key, parseValue(valueStr)); err != nil {
		fmt.Printf("Update failed (%s).\n", err)
		os.Exit(1)
	}

	select {
	case <-acked:
		fmt.Printf("Update acked.\n")
	case <-ctx.Done():
		fmt.Printf("Update not acked (timeout).\n")
		os.Exit(1)
	}
}

// resolve a conflict offline and print the resolution
func resolve(opts docopt.Opts) {
	settings, _ := loadSettings(opts)
	// there is no one to ask
	settings.ConflictEngineSettings.EnableUserIntervention = false

	localStr, _ := opts.String("<local>")
	remoteStr, _ := opts.String("<remote>")
	local, err := parseState(localStr)
	if err != nil {
		fmt.Printf("Invalid local state (%s).\n", err)
		os.Exit(1)
	}
	remote, err := parseState(remoteStr)
	if err != nil {
		fmt.Printf("Invalid remote state (%s).\n", err)
		os.Exit(1)
	}

	conflictEngine := connect.NewConflictEngine(
		connect.NewTimeScheduler(),
		connect.NewUnregisteredMetrics(),
		&settings.ConflictEngineSettings,
	)
	resolution, err := conflictEngine.Resolve(context.Background(), connect.NewConflict("", local, remote))
	if err != nil {
		fmt.Printf("Could not resolve (%s).\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(resolution, "", "    ")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", out)
}

func parseValue(s string) any {
	var value any
	if err := json.Unmarshal([]byte(s), &value); err != nil {
		return s
	}
	return value
}

func parseState(s string) (connect.EntityState, error) {
	if s == "null" {
		return nil, nil
	}
	var state connect.EntityState
	if err := json.Unmarshal([]byte(s), &state); err != nil {
		return nil, err
	}
	return state, nil
}

func jsonString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

type Status struct {
	syncClient *connect.SyncClient
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type SyncStatusResult struct {
		Version           string                     `json:"version"`
		ClientId          string                     `json:"client_id"`
		ConnectionState   connect.ConnectionState    `json:"connection_state"`
		IsOnline          bool                       `json:"is_online"`
		IsSyncing         bool                       `json:"is_syncing"`
		LastSync          int64                      `json:"last_sync,omitempty"`
		PendingOperations int                        `json:"pending_operations"`
		Conflicts         []string                   `json:"conflicts"`
		Errors            []string                   `json:"errors"`
		Metrics           connect.PerformanceMetrics `json:"metrics"`
	}

	status := self.syncClient.Status()
	result := &SyncStatusResult{
		Version:           SyncCtlVersion,
		ClientId:          self.syncClient.Supervisor().Identity().ClientId.String(),
		ConnectionState:   status.ConnectionState,
		IsOnline:          status.IsOnline,
		IsSyncing:         status.IsSyncing,
		PendingOperations: status.PendingOperations,
		Conflicts:         status.Conflicts,
		Errors:            status.Errors,
		Metrics:           self.syncClient.Supervisor().Metrics().Snapshot(),
	}
	if !status.LastSync.IsZero() {
		result.LastSync = status.LastSync.UnixMilli()
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}
