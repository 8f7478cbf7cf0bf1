package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basket/minder/internal/persistence"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: minder status")
		return 2
	}
	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 30*time.Second)
	defer cancel()

	meetings, err := a.store.ListMeetings(cmdCtx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	tiers := map[persistence.Tier]int{}
	evicted := 0
	for _, m := range meetings {
		tiers[m.Tier]++
		if m.BlobsEvicted {
			evicted++
		}
	}
	stakeholders, err := a.store.ListStakeholders(cmdCtx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	categories, err := a.store.ListCategories(cmdCtx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	usage, err := a.store.BlobUsageBytes(cmdCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	depth, err := a.store.OutboxDepth(cmdCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	lastPush, _ := a.store.GetSyncState(cmdCtx, persistence.SyncKeyLastPushAt)
	lastPull, _ := a.store.GetSyncState(cmdCtx, persistence.SyncKeyLastPullAt)

	fmt.Printf("device:        %s (%s)\n", a.cfg.DeviceID, a.cfg.DeviceName)
	fmt.Printf("backend:       %s\n", a.backend.Name())
	fmt.Printf("meetings:      %d (hot %d, warm %d, cold %d; %d evicted)\n",
		len(meetings), tiers[persistence.TierHot], tiers[persistence.TierWarm], tiers[persistence.TierCold], evicted)
	fmt.Printf("stakeholders:  %d\n", len(stakeholders))
	fmt.Printf("categories:    %d\n", len(categories))
	fmt.Printf("blob usage:    %d bytes (warn %d, critical %d)\n",
		usage, a.cfg.Storage.WarningBytes, a.cfg.Storage.CriticalBytes)
	fmt.Printf("outbox:        %d pending change(s)\n", depth)
	fmt.Printf("last push:     %s\n", orNever(lastPush))
	fmt.Printf("last pull:     %s\n", orNever(lastPull))
	return 0
}

func orNever(s string) string {
	if s == "" {
		return "never"
	}
	return s
}
