// Command streamadmin inspects and repairs broken event streams in a
// PostgreSQL backend.
//
// Usage:
//
//	streamadmin -config admin.yaml inspect -object order -id 42
//	streamadmin -config admin.yaml repair -object order -id 42 -decision adopt
//	streamadmin -config admin.yaml repair -object order -id 42 -decision remove
//	streamadmin -config admin.yaml terminate -object order -id 42 -reason migrated
//
// The database DSN comes from the config file or the
// STREAMADMIN_DATABASE_DSN environment variable.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/chunkstream/chunkstream/es"
	"github.com/chunkstream/chunkstream/es/adapters/postgres"
	"github.com/chunkstream/chunkstream/es/logging"
	"github.com/chunkstream/chunkstream/es/repair"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("streamadmin", flag.ContinueOnError)
	configPath := global.String("config", "", "Path to config file (optional with env overrides)")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return fmt.Errorf("expected a command: inspect, repair or terminate")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	storeConfig := postgres.DefaultStoreConfig()
	storeConfig.Logger = logging.NewLogrusLogger(logger)
	storeConfig.DocumentsTable = cfg.Tables.Documents
	storeConfig.EventsTable = cfg.Tables.Events
	storeConfig.SnapshotsTable = cfg.Tables.Snapshots
	storeConfig.CheckpointsTable = cfg.Tables.Checkpoints
	store := postgres.NewStore(db, storeConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "inspect":
		return runInspect(ctx, store, rest[1:])
	case "repair":
		return runRepair(ctx, store, rest[1:])
	case "terminate":
		return runTerminate(ctx, store, rest[1:])
	default:
		return fmt.Errorf("unknown command %q: expected inspect, repair or terminate", rest[0])
	}
}

func streamFlags(fs *flag.FlagSet) (object, id *string) {
	object = fs.String("object", "", "Aggregate object name")
	id = fs.String("id", "", "Aggregate object id")
	return object, id
}

func requireStream(object, id string) error {
	if object == "" || id == "" {
		return fmt.Errorf("-object and -id are required")
	}
	return nil
}

func runInspect(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	object, id := streamFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireStream(*object, *id); err != nil {
		return err
	}

	doc, err := store.Get(ctx, *object, *id)
	if err != nil {
		return fmt.Errorf("load stream document: %w", err)
	}

	status, err := repair.Inspect(ctx, doc, store)
	if err != nil {
		return fmt.Errorf("inspect stream: %w", err)
	}

	report := struct {
		StreamID   string                `json:"stream_id"`
		Version    int64                 `json:"version"`
		Chunks     int                   `json:"chunks"`
		Broken     bool                  `json:"broken"`
		Info       *es.BrokenStreamInfo  `json:"broken_info,omitempty"`
		Orphaned   int                   `json:"orphaned_events"`
		Rollbacks  []es.RollbackRecord   `json:"rollbacks,omitempty"`
		Terminated []es.TerminatedStream `json:"terminated_streams,omitempty"`
	}{
		StreamID:   doc.Active.StreamID,
		Version:    doc.Active.CurrentStreamVersion,
		Chunks:     len(doc.Active.StreamChunks),
		Broken:     status.Broken,
		Orphaned:   len(status.Orphaned),
		Rollbacks:  doc.Rollbacks,
		Terminated: doc.TerminatedStreams,
	}
	if status.Broken {
		info := status.Info
		report.Info = &info
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runRepair(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	object, id := streamFlags(fs)
	decisionName := fs.String("decision", "", "Repair decision: adopt or remove")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireStream(*object, *id); err != nil {
		return err
	}

	var decision repair.Decision
	switch *decisionName {
	case "adopt":
		decision = repair.Adopt
	case "remove":
		decision = repair.Remove
	default:
		return fmt.Errorf("-decision must be adopt or remove")
	}

	doc, err := store.Get(ctx, *object, *id)
	if err != nil {
		return fmt.Errorf("load stream document: %w", err)
	}

	outcome, err := repair.Run(ctx, doc, store, store, decision)
	if err != nil {
		return fmt.Errorf("repair stream: %w", err)
	}

	fmt.Printf("healed=%t adopted=%d removed=%d version=%d\n",
		outcome.Healed, outcome.Adopted, outcome.Removed, outcome.NewVersion)
	return nil
}

func runTerminate(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	object, id := streamFlags(fs)
	reason := fs.String("reason", "", "Why the stream is being terminated")
	continuedBy := fs.String("continued-by", "", "Stream id that continues this one (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireStream(*object, *id); err != nil {
		return err
	}
	if *reason == "" {
		return fmt.Errorf("-reason is required")
	}

	doc, err := store.Get(ctx, *object, *id)
	if err != nil {
		return fmt.Errorf("load stream document: %w", err)
	}
	if err := doc.Terminate(*reason, *continuedBy); err != nil {
		return fmt.Errorf("terminate stream: %w", err)
	}
	if err := store.Set(ctx, doc); err != nil {
		return fmt.Errorf("persist stream document: %w", err)
	}

	fmt.Printf("terminated; active stream is now %s\n", doc.Active.StreamID)
	return nil
}
