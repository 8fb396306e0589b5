// Package main is the MEW gateway server entrypoint binary.
//
// It intentionally delegates startup to the internal app package to keep
// main small, testable, and lint-friendly.
package main

import (
	"log/slog"
	"os"

	"github.com/rjcorwin/mew-gateway/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("mew-gateway.exit", "err", err)
		os.Exit(1)
	}
}
