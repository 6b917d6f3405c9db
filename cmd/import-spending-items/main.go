// import-spending-items loads spending items for one grant from .xlsx/.csv sheets.
//
// One file:
//
//	go run ./cmd/import-spending-items --grant-id 7 --actor-id 3 --file plan.xlsx
//
// Watch a drop folder; each new sheet is imported, then moved to imported/ or failed/:
//
//	go run ./cmd/import-spending-items --grant-id 7 --actor-id 3 --watch ./inbox
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/grants_backend/config"
	"bitbucket.org/mmdatafocus/grants_backend/repository"
	"bitbucket.org/mmdatafocus/grants_backend/workflow"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

func main() {
	grantID := flag.Int("grant-id", 0, "Required: grant id")
	actorID := flag.Int("actor-id", 0, "Required: user id the import runs as (grant beneficiary or organization)")
	file := flag.String("file", "", "Import this sheet and exit")
	watchDir := flag.String("watch", "", "Watch this directory for new sheets")
	flag.Parse()

	if *grantID <= 0 || *actorID <= 0 {
		fmt.Fprintln(os.Stderr, "--grant-id and --actor-id are required")
		os.Exit(1)
	}
	if (*file == "") == (*watchDir == "") {
		fmt.Fprintln(os.Stderr, "exactly one of --file or --watch is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := config.ConnectDatabaseWithRetry()
	logger := config.GetLogger()
	store := repository.NewGormStore(db)
	cfg := config.LoadEngineConfig()
	sink := workflow.NewAsyncAuditSink(logger, cfg.AuditQueueSize, 1, workflow.DBAuditWriter{Repo: store})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sink.Close(closeCtx)
	}()
	engine := workflow.NewEngine(store, cfg, sink, nil, logger)

	imp := importer{engine: engine, logger: logger, grantID: *grantID, actorID: *actorID}
	if *file != "" {
		if err := imp.importFile(ctx, *file); err != nil {
			fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if err := imp.watch(ctx, *watchDir); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		os.Exit(1)
	}
}

type importer struct {
	engine  *workflow.Engine
	logger  *logrus.Logger
	grantID int
	actorID int
}

func isSheet(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".csv":
		return !strings.HasPrefix(filepath.Base(name), "~$")
	}
	return false
}

func (imp importer) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	result, err := imp.engine.ImportSpendingItems(ctx, imp.grantID, imp.actorID, data, filepath.Base(path))
	if err != nil {
		return err
	}
	log.Printf("%s: %d items imported, %d rows skipped", filepath.Base(path), len(result.Items), len(result.RowErrors))
	for _, e := range result.RowErrors {
		log.Printf("  %s", e)
	}
	return nil
}

// watch imports sheets dropped into dir. Events are debounced so a file still being copied
// is not read half-written.
func (imp importer) watch(ctx context.Context, dir string) error {
	for _, sub := range []string{"imported", "failed"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return err
		}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Printf("Watching %s for spending item sheets (grant %d) ...", dir, imp.grantID)

	pending := map[string]time.Time{}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && isSheet(ev.Name) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < 500*time.Millisecond {
					continue
				}
				delete(pending, path)
				imp.processDropped(ctx, dir, path)
			}
		}
	}
}

func (imp importer) processDropped(ctx context.Context, dir, path string) {
	dest := "imported"
	if err := imp.importFile(ctx, path); err != nil {
		dest = "failed"
		config.LogError(imp.logger, "import-spending-items", "processDropped", path, nil, err)
	}
	target := filepath.Join(dir, dest, fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405"), filepath.Base(path)))
	if err := os.Rename(path, target); err != nil {
		log.Printf("could not move %s: %v", path, err)
	}
}
