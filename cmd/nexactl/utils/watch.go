package utils

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/concave-dev/nexa/internal/logging"
)

// WatchInterval is how often watch mode refreshes.
const WatchInterval = 2 * time.Second

// RunWithWatch runs fn once, or with watch set, redraws it every
// WatchInterval until interrupted. Failed refreshes are logged and the loop
// keeps going.
func RunWithWatch(fn func() error, watch bool) error {
	if !watch {
		return fn()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(WatchInterval)
	defer ticker.Stop()

	clearScreen()
	if err := fn(); err != nil {
		return err
	}

	for {
		select {
		case <-ticker.C:
			clearScreen()
			if err := fn(); err != nil {
				logging.Error("Error updating display: %v", err)
			}
		case <-ctx.Done():
			fmt.Println("\nWatch mode interrupted")
			return nil
		}
	}
}

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}
