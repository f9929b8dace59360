package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/grcm10/bitcaskplus/cmd/remote"
	"github.com/grcm10/bitcaskplus/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  server -path <data-dir> [-addr <listen-addr>]\n")
	os.Exit(1)
}

func main() {
	var (
		dbPath = flag.String("path", "", "path to data directory")
		addr   = flag.String("addr", ":1729", "RPC listen address")
		fsync  = flag.Bool("fsync", false, "fsync after every write")
	)
	flag.Parse()

	if *dbPath == "" {
		usage()
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	// Open the database
	db, err := core.Open(*dbPath, core.WithFsync(*fsync), core.WithLogger(log))
	if err != nil {
		log.Fatalf("could not open the database: %v", err)
	}

	listenAddr, cleanup, err := remote.StartRPC(db, *addr)
	if err != nil {
		log.Fatalf("could not start RPC server: %v", err)
	}
	log.Infof("RPC server listening on %s", listenAddr)

	// Wait for SIGINT or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received %v", sig)
	case err := <-db.CompactionErrors():
		log.Errorf("compaction error: %v", err)
	}

	log.Infof("shutting down")
	cleanup()
	if err := db.Close(); err != nil {
		log.Fatalf("failed to persist to disk: %v", err)
	}
}
