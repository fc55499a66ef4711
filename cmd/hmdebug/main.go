// Command hmdebug inspects saved hypermerge document snapshots offline,
// generalizing the teacher's single-flag cmd/debug into a cobra-subcommand
// CLI: inspect prints heads/changes and a DOT digraph, graph renders an SVG
// via pkg/viz.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/mmcgrana/hypermerge/pkg/viz"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hmdebug",
		Short:         "Inspect saved hypermerge document snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newInspectCmd(), newGraphCmd())
	return root
}

func loadDoc(path string) (*automerge.Doc, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc snapshot: %w", err)
	}
	return doc, nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a snapshot's heads, changes, and a DOT digraph of its change graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDoc(args[0])
			if err != nil {
				return err
			}
			slog.Info("loaded doc", "contents", doc.RootMap().GoString())
			slog.Info("loaded heads", "heads", doc.Heads())

			changes, err := doc.Changes()
			if err != nil {
				return fmt.Errorf("failed to list changes: %w", err)
			}
			for i, change := range changes {
				slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "deps", change.Dependencies())
			}

			fmt.Println(`digraph "log" {`)
			for _, change := range changes {
				fmt.Printf("    \"%s\" [label=\"%s %s@%d\"]\n", change.Hash(), change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
				for _, hash := range change.Dependencies() {
					fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
				}
			}
			fmt.Println("}")
			return nil
		},
	}
}

func newGraphCmd() *cobra.Command {
	var nodePath []string
	cmd := &cobra.Command{
		Use:   "graph <file> <out.svg>",
		Short: "Render a snapshot's change graph to an SVG file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDoc(args[0])
			if err != nil {
				return err
			}
			path := make([]interface{}, len(nodePath))
			for i, p := range nodePath {
				path[i] = p
			}
			if err := viz.RenderDocToSvg(doc, path, args[1]); err != nil {
				return fmt.Errorf("failed to render graph: %w", err)
			}
			slog.Info("wrote graph", "path", args[1])
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&nodePath, "path", nil, "document field path to annotate each node with, e.g. --path=counter")
	return cmd
}
