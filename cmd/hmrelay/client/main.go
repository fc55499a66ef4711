// Command hmrelay-client attaches to an hmrelay-server document over
// websocket and makes scripted edits on a timer, generalizing the teacher's
// cmd/four/client incrementRandomlyContinuously from a single automerge
// counter field to an arbitrary document via Orchestrator.Change.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"

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
	addrVar := flag.String("addr", "127.0.0.1:8080", "the hmrelay-server address to attach to")
	baseDirVar := flag.String("base-dir", "hmrelay-client-data", "directory for the local log archive and keyring")
	docVar := flag.String("doc", "", "actor id (hex) of the document to open; creates a new one if empty")
	flag.Parse()

	ws := swarm.NewWSSwarm()
	orch, err := hypermerge.Open(*baseDirVar, ws)
	if err != nil {
		return fmt.Errorf("failed to open orchestrator: %w", err)
	}
	defer orch.Close()

	var docID hypermerge.DocID
	if *docVar == "" {
		docID, err = orch.Create(hypermerge.CreateOptions{})
		if err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		slog.Info("created document", "docId", docID)
	} else {
		docID, err = hypermerge.ActorIDFromHex(*docVar)
		if err != nil {
			return fmt.Errorf("invalid -doc value: %w", err)
		}
		if err := orch.Open(docID); err != nil {
			return fmt.Errorf("failed to open document: %w", err)
		}
	}

	u := &url.URL{Scheme: "ws", Host: *addrVar, Path: fmt.Sprintf("/docs/%s/ws", docID)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		connectContinuously(ctx, ws, u.String(), docID)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		editRandomlyContinuously(ctx, orch, docID)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	wg.Wait()
	return nil
}

func connectContinuously(ctx context.Context, ws *swarm.WSSwarm, url string, docID hypermerge.DocID) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := ws.Dial(url, discoveryKeyFor(docID)); err != nil {
				slog.Error("failed to dial relay", "docId", docID, "err", err)
			} else {
				slog.Info("relay connection closed", "docId", docID)
			}
		case <-ctx.Done():
			return
		}
	}
}

// discoveryKeyFor mirrors log.Log.DiscoveryKey (sha256 of the actor's raw
// public key bytes); the server's HTTP route and our Dial call must agree
// on this value for swarm.WSSwarm to hand the connection to the same log.
func discoveryKeyFor(actor hypermerge.ActorID) [32]byte {
	return sha256.Sum256(actor.Bytes())
}

func editRandomlyContinuously(ctx context.Context, orch *hypermerge.Orchestrator, docID hypermerge.DocID) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			err := orch.Change(docID, "increment counter", func(d *automerge.Doc) error {
				return d.Path("counter").Counter().Inc(1)
			})
			if err != nil {
				slog.Error("failed to apply change", "docId", docID, "err", err)
				continue
			}
			doc, err := orch.Find(docID)
			if err != nil {
				continue
			}
			slog.Info("applied change", "docId", docID, "heads", doc.Heads())
		case <-ctx.Done():
			return
		}
	}
}
