package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/minder/internal/persistence"
)

func runEvictCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: minder evict")
		return 2
	}
	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 5*time.Minute)
	defer cancel()
	report, err := a.governor().Run(cmdCtx)

	var quota *persistence.QuotaExceededError
	if errors.As(err, &quota) {
		fmt.Printf("evicted %d meeting(s), freed %d bytes; still over the critical threshold (%d of %d bytes used)\n",
			report.Evicted, report.FreedBytes, quota.UsageBytes, quota.CriticalBytes)
		fmt.Println("delete old meetings or raise storage.critical_bytes")
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "evict: %v\n", err)
		return 1
	}
	fmt.Printf("retiered %d, evicted %d meeting(s), freed %d bytes (usage now %d bytes)\n",
		report.Retiered, report.Evicted, report.FreedBytes, report.UsageAfter)
	return 0
}
