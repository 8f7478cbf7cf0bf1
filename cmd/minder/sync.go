package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/minder/internal/syncer"
)

func runPushCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: minder push")
		return 2
	}
	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 2*time.Minute)
	defer cancel()
	res, err := a.engine.Push(cmdCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "push: %v\n", err)
		return 1
	}
	switch res.Outcome {
	case syncer.OutcomeUpToDate:
		fmt.Println("nothing to push")
	case syncer.OutcomeQueued:
		fmt.Println("backend unreachable; changes stay queued and will be pushed later")
	default:
		fmt.Printf("pushed %d pending change(s) via %s\n", res.Pushed, a.backend.Name())
	}
	return 0
}

func runPullCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: minder pull")
		return 2
	}
	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 2*time.Minute)
	defer cancel()
	res, err := a.engine.Pull(cmdCtx)
	if errors.Is(err, syncer.ErrConflict) {
		c := res.Conflict
		fmt.Printf("conflict: %d local pending change(s), remote snapshot from device %s at %s\n",
			c.LocalPending, c.Remote.Metadata.DeviceID, c.RemoteTimestamp.Format(time.RFC3339))
		fmt.Println("resolve with: minder resolve use_local | use_cloud | merge")
		return 3
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pull: %v\n", err)
		return 1
	}
	switch res.Outcome {
	case syncer.OutcomeNoRemoteData:
		fmt.Println("no remote snapshot yet")
	case syncer.OutcomeLocalAhead:
		fmt.Println("local is ahead of the remote; push to catch it up")
	default:
		fmt.Printf("pulled: %d applied, %d already current\n", res.Applied, res.Skipped)
	}
	return 0
}

func runResolveCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: minder resolve <use_local|use_cloud|merge>")
		return 2
	}
	resolution, err := syncer.ParseResolution(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 2*time.Minute)
	defer cancel()
	if _, err := a.engine.Resolve(cmdCtx, resolution); err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		return 1
	}
	fmt.Printf("conflict resolved (%s)\n", resolution)
	return 0
}
