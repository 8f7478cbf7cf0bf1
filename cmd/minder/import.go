package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/minder/internal/persistence"
)

// runImportCommand loads a snapshot file straight into the store. The
// records keep their timestamps and do not enter the outbox: an import
// is seeding data, not making edits to broadcast.
func runImportCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: minder import <snapshot.json>")
		return 2
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	var snap persistence.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "import: parse %s: %v\n", args[0], err)
		return 1
	}

	a, err := openApp(true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer a.Close()

	cmdCtx, cancel := commandContext(ctx, 5*time.Minute)
	defer cancel()
	stats, err := a.store.ApplySnapshot(cmdCtx, &snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	fmt.Printf("imported %d record(s), %d already current\n", stats.Applied, stats.Skipped)
	return 0
}
