package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/documentcollections/internal/api"
	"github.com/Lllllllleong/documentcollections/internal/services"
)

var (
	handler *api.Handler
	once    sync.Once
	initErr error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleDocumentAPI", handleDocumentAPI)
}

func main() {}

// handleDocumentAPI serves every caller-facing collection and document route.
func handleDocumentAPI(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var rt *services.Runtime
		rt, initErr = services.NewRuntime(context.Background())
		if initErr == nil {
			handler = api.NewHandler(rt)
		}
	})
	if initErr != nil {
		slog.Error("Critical: document API initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	handler.ServeHTTP(w, r)
}
