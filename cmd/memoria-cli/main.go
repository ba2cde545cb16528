// Command memoria-cli is a small operator tool for manually exercising a
// wired memoria engine against a real Qdrant/Postgres pair: store a
// memory, recall by query, link two memories, or walk a memory's
// neighbors. It is not a server; no HTTP transport is implemented here.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/engine"
	"github.com/trapias/memoria/internal/types"
)

var (
	errColor = color.New(color.FgRed, color.Bold)
	okColor  = color.New(color.FgGreen)
	hdColor  = color.New(color.FgCyan, color.Bold)
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eng, err := engine.Build(ctx, cfg, engine.Options{})
	if err != nil {
		fail("build engine: %v", err)
	}
	defer func() { _ = eng.Close() }()

	switch os.Args[1] {
	case "store":
		runStore(ctx, eng, os.Args[2:])
	case "recall":
		runRecall(ctx, eng, os.Args[2:])
	case "relate":
		runRelate(ctx, eng, os.Args[2:])
	case "neighbors":
		runNeighbors(ctx, eng, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`memoria-cli <command> [args]

commands:
  store <kind> <content> [tags,comma,separated]
  recall <query> [limit]
  relate <source-id> <target-id> <type>
  neighbors <memory-id> [depth]`)
}

func fail(format string, args ...interface{}) {
	errColor.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runStore(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 2 {
		fail("usage: store <kind> <content> [tags]")
	}
	kind := types.Kind(args[0])
	content := args[1]
	var tags []string
	if len(args) > 2 {
		tags = strings.Split(args[2], ",")
	}

	mem, err := eng.Memory.Store(ctx, kind, content, tags, 0.5, nil)
	if err != nil {
		fail("store failed: %v", err)
	}
	okColor.Printf("stored %s (%s)\n", mem.ID, mem.Kind)
}

func runRecall(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 1 {
		fail("usage: recall <query> [limit]")
	}
	limit := 5
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			limit = n
		}
	}

	results, err := eng.Memory.Recall(ctx, args[0], nil, limit, 0, nil, "")
	if err != nil {
		fail("recall failed: %v", err)
	}
	hdColor.Printf("%d result(s)\n", len(results))
	for _, r := range results {
		fmt.Printf("  [%.3f] %s (%s): %.80s\n", r.Score, r.Memory.ID, r.Memory.Kind, r.Memory.Content)
	}
}

func runRelate(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 3 {
		fail("usage: relate <source-id> <target-id> <type>")
	}
	src, err := uuid.Parse(args[0])
	if err != nil {
		fail("invalid source id: %v", err)
	}
	dst, err := uuid.Parse(args[1])
	if err != nil {
		fail("invalid target id: %v", err)
	}

	rel, err := eng.Graph.AddRelation(ctx, src, dst, types.RelationType(args[2]), 1.0, types.CreatedByUser, nil)
	if err != nil {
		fail("relate failed: %v", err)
	}
	okColor.Printf("created relation %s: %s -%s-> %s\n", rel.ID, rel.SourceID, rel.Type, rel.TargetID)
}

func runNeighbors(ctx context.Context, eng *engine.Engine, args []string) {
	if len(args) < 1 {
		fail("usage: neighbors <memory-id> [depth]")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		fail("invalid memory id: %v", err)
	}
	depth := 1
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			depth = n
		}
	}

	neighbors, err := eng.Graph.GetNeighbors(ctx, id, depth, nil)
	if err != nil {
		fail("neighbors failed: %v", err)
	}
	hdColor.Printf("%d neighbor(s)\n", len(neighbors))
	for _, n := range neighbors {
		label := string(n.Via.Type)
		if n.Implicit {
			label = "implicit:" + label
		}
		fmt.Printf("  depth %d: %s via %s\n", n.Depth, n.MemoryID, label)
	}
}
