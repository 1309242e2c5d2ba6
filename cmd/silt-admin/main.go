// Command silt-admin gives an operator read access to request and batch
// records directly in the store, for inspecting stuck or failed submissions
// without going through the client-facing HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doublewordai/silt/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	s := store.NewRedisStore(rdb)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "request":
		requestCmd(ctx, s, os.Args[2:])
	case "batch":
		batchCmd(ctx, s, os.Args[2:])
	case "active-batches":
		activeBatchesCmd(ctx, s)
	default:
		usage()
		os.Exit(1)
	}
}

func requestCmd(ctx context.Context, s store.Store, args []string) {
	fs := flag.NewFlagSet("request", flag.ExitOnError)
	key := fs.String("key", "", "idempotency key (required)")
	fs.Parse(args)
	if *key == "" {
		fs.Usage()
		os.Exit(1)
	}

	rec, err := s.GetRequest(ctx, *key)
	if err != nil {
		log.Fatalf("lookup failed: %v", err)
	}
	if rec == nil {
		fmt.Println("no record for key", *key)
		return
	}
	printJSON(rec)
}

func batchCmd(ctx context.Context, s store.Store, args []string) {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	id := fs.String("id", "", "batch id (required)")
	fs.Parse(args)
	if *id == "" {
		fs.Usage()
		os.Exit(1)
	}

	rec, err := s.GetBatch(ctx, *id)
	if err != nil {
		log.Fatalf("lookup failed: %v", err)
	}
	if rec == nil {
		fmt.Println("no batch", *id)
		return
	}
	printJSON(rec)
}

func activeBatchesCmd(ctx context.Context, s store.Store) {
	ids, err := s.ActiveBatchIDs(ctx)
	if err != nil {
		log.Fatalf("lookup failed: %v", err)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encode failed: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: silt-admin <request -key K | batch -id B | active-batches>")
}
