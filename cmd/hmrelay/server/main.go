// Command hmrelay-server hosts a hypermerge Orchestrator over websockets,
// generalizing the teacher's cmd/four/server from a single automerge
// counter doc to the full multi-document, multi-actor replication engine:
// one route per document, peer attach driven by swarm.WSSwarm, plus a
// periodic sqlite3 snapshot backup for cold-start bootstrap.
package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	hypermerge "github.com/mmcgrana/hypermerge"
	"github.com/mmcgrana/hypermerge/swarm"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	baseDirVar := flag.String("base-dir", "hmrelay-data", "directory for the log archive and keyring")
	snapshotDBVar := flag.String("snapshot-db", "hmrelay.sqlite3", "sqlite3 file for periodic document snapshots")
	flag.Parse()

	db, err := sql.Open("sqlite3", *snapshotDBVar)
	if err != nil {
		return fmt.Errorf("failed to open snapshot database: %w", err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (doc_id TEXT NOT NULL PRIMARY KEY, content TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}

	ws := swarm.NewWSSwarm()
	orch, err := hypermerge.Open(*baseDirVar, ws)
	if err != nil {
		return fmt.Errorf("failed to open orchestrator: %w", err)
	}
	defer orch.Close()

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/docs/{docId}/ws").HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		docIDHex := mux.Vars(request)["docId"]
		actor, err := hypermerge.ActorIDFromHex(docIDHex)
		if err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := orch.Open(actor); err != nil {
			slog.Error("failed to open document for peer attach", "docId", docIDHex, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		if err := ws.HandleUpgrade(writer, request, discoveryKeyFor(actor)); err != nil {
			slog.Error("websocket upgrade failed", "docId", docIDHex, "err", err)
		}
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		snapshotLoop(ctx, orch, db)
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()
	return nil
}

// snapshotLoop periodically backs up every open document's full serialized
// state, the same bootstrap-cache role the teacher's cmd/four/server ticker
// plays for its single counter doc.
func snapshotLoop(ctx context.Context, orch *hypermerge.Orchestrator, db *sql.DB) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			for _, docID := range orch.OpenDocIDs() {
				data, err := orch.Snapshot(docID)
				if err != nil {
					continue
				}
				encoded := base64.StdEncoding.EncodeToString(data)
				if res, err := db.ExecContext(ctx,
					`INSERT INTO snapshots (doc_id, content) VALUES (?, ?)
					 ON CONFLICT(doc_id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
					docID.String(), encoded,
				); err != nil {
					slog.Error("failed to back up document", "docId", docID, "err", err)
				} else if n, _ := res.RowsAffected(); n > 0 {
					slog.Info("backed up document", "docId", docID)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// discoveryKeyFor mirrors log.Log.DiscoveryKey (sha256 of the actor's raw
// public key bytes), so a peer attaching via this route lands on the same
// discovery key the registry joined the swarm under for this actor's log.
func discoveryKeyFor(actor hypermerge.ActorID) [32]byte {
	return sha256.Sum256(actor.Bytes())
}
