package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tuannm99/novastore/internal/config"
	"github.com/tuannm99/novastore/internal/kv"
)

// Manual smoke run: open a store, exercise the KV surface and a scan,
// print what happened.
func main() {
	var (
		dir     = flag.String("dir", "", "data directory (default: a temp dir)")
		cfgPath = flag.String("config", "", "yaml config file (optional)")
		debug   = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	if *debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
	}

	dataDir := *dir
	if dataDir == "" {
		var err error
		dataDir, err = os.MkdirTemp("", "novastore-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("data dir:", dataDir)
	}

	store, err := kv.Open(dataDir, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	must := func(err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	must(store.Set(ctx, "user:alice", []byte("30"), 0))
	must(store.Set(ctx, "user:bob", []byte("25"), 0))
	must(store.Set(ctx, "user:charlie", []byte("45"), 0))
	must(store.Set(ctx, "session:1", []byte("tok"), 2*time.Second))

	v, err := store.Get(ctx, "user:bob")
	must(err)
	fmt.Printf("get user:bob = %s\n", v)

	res, err := store.Scan(ctx, "", "user:*", 100)
	must(err)
	fmt.Println("scan user:* =", res.Keys)

	if _, err := store.Delete(ctx, "user:bob"); err != nil {
		must(err)
	}
	if _, err := store.Get(ctx, "user:bob"); err != nil {
		fmt.Println("get user:bob after delete:", err)
	}

	if rem, ok, err := store.TTL("session:1"); err == nil && ok {
		fmt.Printf("ttl session:1 = %s\n", rem.Round(time.Millisecond))
	}

	must(store.Flush())
	fmt.Println("ok")
}
