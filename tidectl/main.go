package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"tidepool.dev/tide"
)

const TideCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tide deployment control.

The deployment url can be set once with config, or passed per command
with --deployment_url. Function paths use module:export, for example
messages:list. Args are a json object.

Usage:
    tidectl config [--deployment_url=<deployment_url>]
    tidectl auth login [--token=<token>] [--deployment_url=<deployment_url>]
    tidectl auth logout [--deployment_url=<deployment_url>]
    tidectl whoami [--deployment_url=<deployment_url>]
    tidectl query <path> [<args>] [--deployment_url=<deployment_url>]
    tidectl mutation <path> [<args>] [--deployment_url=<deployment_url>]
    tidectl action <path> [<args>] [--deployment_url=<deployment_url>]
    tidectl watch <path> [<args>] [--deployment_url=<deployment_url>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --deployment_url=<deployment_url>  Deployment url, for example https://demo.tidepool.dev
    --token=<token>                    Auth token. Prompted when omitted.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TideCtlVersion)
	if err != nil {
		panic(err)
	}

	if config_, _ := opts.Bool("config"); config_ {
		configCmd(opts)
	} else if auth_, _ := opts.Bool("auth"); auth_ {
		if login_, _ := opts.Bool("login"); login_ {
			authLogin(opts)
		} else if logout_, _ := opts.Bool("logout"); logout_ {
			authLogout(opts)
		}
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if mutation_, _ := opts.Bool("mutation"); mutation_ {
		runFunction(opts, "mutation")
	} else if action_, _ := opts.Bool("action"); action_ {
		runFunction(opts, "action")
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func requireDeploymentUrl(opts docopt.Opts) string {
	if urlAny := opts["--deployment_url"]; urlAny != nil {
		return urlAny.(string)
	}
	config, err := LoadConfig()
	if err != nil {
		panic(err)
	}
	if config.DeploymentUrl == "" {
		Err.Fatalf("No deployment url. Set one with `tidectl config --deployment_url=<deployment_url>`.")
	}
	return config.DeploymentUrl
}

// the <args> argument is a raw json object
func commandArgs(opts docopt.Opts) any {
	if argsAny := opts["<args>"]; argsAny != nil {
		return tide.Value(argsAny.(string))
	}
	return nil
}

func openSessionStore() *SessionStore {
	dir, err := ConfigDir()
	if err != nil {
		panic(err)
	}
	store, err := OpenSessionStore(filepath.Join(dir, "session.db"))
	if err != nil {
		panic(err)
	}
	return store
}

func configCmd(opts docopt.Opts) {
	config, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	if urlAny := opts["--deployment_url"]; urlAny != nil {
		config.DeploymentUrl = urlAny.(string)
		if err := SaveConfig(config); err != nil {
			panic(err)
		}
	}

	if config.DeploymentUrl == "" {
		Out.Printf("deployment_url: (not set)")
	} else {
		Out.Printf("deployment_url: %s", config.DeploymentUrl)
	}
}

func authLogin(opts docopt.Opts) {
	deploymentUrl := requireDeploymentUrl(opts)

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		fmt.Print("Enter auth token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		token = string(tokenBytes)
		fmt.Printf("\n")
	}

	claims, err := tide.ParseAuthClaimsUnverified(token)
	if err != nil {
		Err.Fatalf("Invalid token (%s).", err)
	}
	if claims.Expired(time.Now()) {
		Err.Fatalf("Token is expired.")
	}

	store := openSessionStore()
	defer store.Close()
	if err := store.SetAuthToken(deploymentUrl, token); err != nil {
		panic(err)
	}
	Out.Printf("Signed in to %s as %s.", deploymentUrl, claims.Subject)
}

func authLogout(opts docopt.Opts) {
	deploymentUrl := requireDeploymentUrl(opts)

	store := openSessionStore()
	defer store.Close()
	if err := store.ClearAuthToken(deploymentUrl); err != nil {
		panic(err)
	}
	Out.Printf("Signed out of %s.", deploymentUrl)
}

func whoami(opts docopt.Opts) {
	deploymentUrl := requireDeploymentUrl(opts)

	store := openSessionStore()
	defer store.Close()
	session, err := store.Session(deploymentUrl)
	if err != nil {
		panic(err)
	}

	Out.Printf("session_id: %s", session.SessionId)
	if session.AuthToken == "" {
		Out.Printf("Not signed in.")
		return
	}

	claims, err := tide.ParseAuthClaimsUnverified(session.AuthToken)
	if err != nil {
		Err.Fatalf("Stored token is invalid (%s). Sign in again.", err)
	}
	Out.Printf("subject: %s", claims.Subject)
	if claims.Issuer != "" {
		Out.Printf("issuer: %s", claims.Issuer)
	}
	if claims.Expiry != nil {
		if claims.Expired(time.Now()) {
			Out.Printf("expired: %s", claims.Expiry.Format(time.RFC3339))
		} else {
			Out.Printf("expires: %s", claims.Expiry.Format(time.RFC3339))
		}
	}
}

// query runs one-shot over http, with no sync connection
func query(opts docopt.Opts) {
	deploymentUrl := requireDeploymentUrl(opts)
	path, _ := opts.String("<path>")

	store := openSessionStore()
	session, err := store.Session(deploymentUrl)
	store.Close()
	if err != nil {
		panic(err)
	}

	api := tide.NewDeploymentApi(deploymentUrl)
	defer api.Close()
	if session.AuthToken != "" {
		api.SetAuthToken(session.AuthToken)
	}

	value, err := api.QuerySync(path, commandArgs(opts))
	if err != nil {
		Err.Fatalf("Query failed (%s).", err)
	}
	Out.Printf("%s", value)
}

// mutations and actions go over the sync connection so the session id
// and read-your-writes watermark apply
func runFunction(opts docopt.Opts, kind string) {
	deploymentUrl := requireDeploymentUrl(opts)
	path, _ := opts.String("<path>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := connectClient(cancelCtx, deploymentUrl)
	defer client.Close()

	ctx, timeoutCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer timeoutCancel()
	if err := client.AwaitConnectionState(ctx, tide.ConnectionStateConnected); err != nil {
		Err.Fatalf("Not connected (%s).", err)
	}

	var value tide.Value
	var err error
	switch kind {
	case "mutation":
		value, err = client.Mutate(ctx, path, commandArgs(opts))
	case "action":
		value, err = client.RunAction(ctx, path, commandArgs(opts))
	}
	if err != nil {
		Err.Fatalf("%s failed (%s).", path, err)
	}
	Out.Printf("%s", value)
}

// watch subscribes and prints the result on every change until
// interrupted
func watch(opts docopt.Opts) {
	deploymentUrl := requireDeploymentUrl(opts)
	path, _ := opts.String("<path>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	client := connectClient(cancelCtx, deploymentUrl)
	defer client.Close()

	sub, err := client.Subscribe(path, commandArgs(opts))
	if err != nil {
		Err.Fatalf("Subscribe failed (%s).", err)
	}
	defer sub.Unsubscribe()

	printResult := func(result tide.FunctionResult, predicted bool) {
		if result.Err != nil {
			Out.Printf("error: %s", result.Err)
		} else if predicted {
			Out.Printf("(predicted) %s", result.Value)
		} else {
			Out.Printf("%s", result.Value)
		}
	}

	removeCallback := client.AddTransitionCallback(func(event *tide.TransitionEvent) {
		for _, queryId := range event.ChangedQueryIds {
			if queryId != sub.QueryId() {
				continue
			}
			if result, ok := sub.Result(); ok {
				printResult(result, event.Version == nil)
			}
		}
	})
	defer removeCallback()

	if result, ok := sub.Result(); ok {
		printResult(result, false)
	}

	<-cancelCtx.Done()
}

func connectClient(ctx context.Context, deploymentUrl string) *tide.Client {
	store := openSessionStore()
	session, err := store.Session(deploymentUrl)
	store.Close()
	if err != nil {
		panic(err)
	}

	settings := tide.DefaultClientSettings()
	settings.SessionId = session.SessionId
	client, err := tide.NewClient(ctx, deploymentUrl, settings)
	if err != nil {
		panic(err)
	}
	if session.AuthToken != "" {
		if err := client.SetAuth(session.AuthToken); err != nil {
			Err.Printf("Ignoring stored token (%s).", err)
		}
	}
	return client
}
