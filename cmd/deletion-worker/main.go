package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentcollections/internal/models"
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

	functions.HTTP("HandleProcessDeletions", handleProcessDeletions)
}

func main() {}

type response struct {
	services.ProcessStats
	Queue *models.QueueStats `json:"queue,omitempty"`
}

// handleProcessDeletions runs one pass over the due deletion queue entries
// and reports the queue depth afterwards.
func handleProcessDeletions(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		rt, initErr = services.NewRuntime(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: deletion worker initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	stats, err := rt.Deletions.ProcessDue(r.Context())
	if err != nil {
		slog.Error("Deletion pass failed", "error", err)
		http.Error(w, "Internal Server Error: deletion pass failed", http.StatusInternalServerError)
		return
	}
	res := response{ProcessStats: stats}
	if q, err := rt.Deletions.Stats(r.Context()); err != nil {
		slog.Warn("Failed to read deletion queue stats", "error", err)
	} else {
		res.Queue = &q
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
