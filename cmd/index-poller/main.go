package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentcollections/internal/services"
)

var (
	rt      *services.Runtime
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandlePollIndexStatus", handlePollIndexStatus)
}

func main() {}

// handlePollIndexStatus runs one index status pass. It is invoked on a
// schedule.
func handlePollIndexStatus(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		rt, initErr = services.NewRuntime(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: index poller initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	stats, err := rt.Poller.PollOnce(r.Context())
	if err != nil {
		slog.Error("Index poll pass failed", "error", err)
		http.Error(w, "Internal Server Error: poll failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
