package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

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

	functions.CloudEvent("HandleIndexOutcome", handleIndexOutcome)
}

func main() {}

// handleIndexOutcome applies a terminal index outcome pushed by the indexing
// pipeline. Duplicates and contradictions are acknowledged so they are not
// redelivered.
func handleIndexOutcome(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		rt, initErr = services.NewRuntime(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var outcome models.IndexOutcome
	if err := json.Unmarshal(e.Data(), &outcome); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	if outcome.DocumentID == "" {
		slog.Warn("Index outcome without a document id dropped.", "eventId", e.ID())
		return nil
	}

	slog.Info("Index outcome received.", "eventId", e.ID(), "documentId", outcome.DocumentID, "status", outcome.Status)
	return rt.Tracker.Deliver(ctx, outcome)
}
