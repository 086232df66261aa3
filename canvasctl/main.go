package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/drawspace/realtime/realtime"
)

const DefaultApiUrl = "https://api.drawspace.com"
const DefaultConnectUrl = "wss://connect.drawspace.com"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Canvas realtime client.

The default urls are:
    api_url: %s
    connect_url: %s

Usage:
    canvasctl join --canvas_id=<canvas_id> [--token=<token>]
        [--api_url=<api_url>]
        [--connect_url=<connect_url>]
        [--simulate]
    canvasctl objects --canvas_id=<canvas_id> [--token=<token>]
        [--api_url=<api_url>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --api_url=<api_url>
    --connect_url=<connect_url>
    --canvas_id=<canvas_id>
    --token=<token>
    --simulate                 Generate synthetic object and cursor traffic.`,
		DefaultApiUrl,
		DefaultConnectUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if objects_, _ := opts.Bool("objects"); objects_ {
		objects(opts)
	}
}

func join(opts docopt.Opts) {
	apiUrl := urlOpt(opts, "--api_url", DefaultApiUrl)
	connectUrl := urlOpt(opts, "--connect_url", DefaultConnectUrl)
	simulate, _ := opts.Bool("--simulate")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	auth := joinAuth(opts)

	claims, err := realtime.ParseCanvasToken(auth.Token)
	if err != nil {
		panic(err)
	}

	fmt.Printf("user_id: %s\n", claims.UserId)
	fmt.Printf("canvas_id: %s\n", auth.CanvasId)
	fmt.Printf("instance_id: %s\n", auth.InstanceId)

	client := realtime.NewCanvasClientWithDefaults(ctx, connectUrl, apiUrl, auth)

	unsub := client.Connection().Subscribe(func(event *realtime.ConnectionEvent) {
		switch event.Kind {
		case realtime.EventConnected,
			realtime.EventDisconnected,
			realtime.EventReconnecting,
			realtime.EventExhausted:
			fmt.Printf("[%s] quality=%s\n", event.State, event.Quality)
		case realtime.EventError:
			fmt.Printf("[%s] error: %s\n", event.State, event.Err)
		}
	})
	defer unsub()

	if err := client.Connect(); err != nil {
		panic(err)
	}

	if simulate {
		go simulateTraffic(ctx, client)
	}

	select {
	case <-ctx.Done():
	}

	fmt.Printf("\noptimizer: %+v\n", client.Optimizer().Stats())
	fmt.Printf("batcher: %+v\n", client.Batcher().Stats())

	client.Disconnect()
	client.Close()

	// exit
	os.Exit(0)
}

// random create/move/cursor traffic to exercise batching and throttling
func simulateTraffic(ctx context.Context, client *realtime.CanvasClient) {
	obj, err := client.CreateObject(
		"rect",
		realtime.Position{X: 100, Y: 100},
		map[string]any{"color": "blue"},
		realtime.ZTop,
	)
	if err != nil {
		fmt.Printf("simulate create error: %s\n", err)
		return
	}
	fmt.Printf("created object %s\n", obj.ObjectId)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}

		position := realtime.Position{
			X: float64(rand.Intn(1000)),
			Y: float64(rand.Intn(1000)),
		}
		client.MoveObject(obj.ObjectId, position, realtime.PriorityNormal)
		client.Cursor().Move(position)
	}
}

func objects(opts docopt.Opts) {
	apiUrl := urlOpt(opts, "--api_url", DefaultApiUrl)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := joinAuth(opts)

	api := realtime.NewCanvasApiWithContext(cancelCtx, apiUrl)
	api.SetAuthToken(auth.Token)

	canvasObjects, err := api.FetchCanvasObjects(cancelCtx, auth.CanvasId)
	if err != nil {
		panic(err)
	}

	for _, obj := range canvasObjects {
		fmt.Printf(
			"%s %s z=%d (%.0f,%.0f) updated=%s\n",
			obj.ObjectId,
			obj.Type,
			obj.ZIndex,
			obj.Position.X,
			obj.Position.Y,
			obj.UpdatedAt.Format(time.RFC3339),
		)
	}
}

func joinAuth(opts docopt.Opts) *realtime.CanvasAuth {
	canvasId := opts["--canvas_id"].(string)

	var token string
	if tokenAny := opts["--token"]; tokenAny != nil {
		token = tokenAny.(string)
	} else {
		fmt.Print("Enter canvas token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		token = string(tokenBytes)
		fmt.Printf("\n")
	}

	auth := &realtime.CanvasAuth{
		Token:      token,
		CanvasId:   canvasId,
		InstanceId: realtime.NewId(),
		AppVersion: RequireVersion(),
	}
	if validationErr := auth.Validate(); validationErr != nil {
		panic(validationErr)
	}
	return auth
}

func urlOpt(opts docopt.Opts, key string, defaultValue string) string {
	if urlAny := opts[key]; urlAny != nil {
		return urlAny.(string)
	}
	return defaultValue
}

func RequireVersion() string {
	if version := os.Getenv("CANVAS_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
