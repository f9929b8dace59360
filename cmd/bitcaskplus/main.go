package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/grcm10/bitcaskplus/core"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  bitcaskplus [-path <data-dir>] get <key>\n")
	fmt.Fprintf(os.Stderr, "  bitcaskplus [-path <data-dir>] set <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  bitcaskplus [-path <data-dir>] rm <key>\n")
	os.Exit(1)
}

func main() {
	dbPath := flag.String("path", "./data", "path to data directory")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
	}

	action, key := args[0], args[1]

	db, err := core.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close() // nolint:errcheck

	switch action {
	case "get":
		if len(args) != 2 {
			usage()
		}

		val, found, err := db.Get(key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get the key: %v\n", err)
			os.Exit(1)
		}
		if !found {
			fmt.Println("Key not found")
			os.Exit(1)
		}
		fmt.Println(val)

	case "set":
		if len(args) != 3 {
			usage()
		}

		if err := db.Set(key, args[2]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to set the key: %v\n", err)
			os.Exit(1)
		}

	case "rm":
		if len(args) != 2 {
			usage()
		}

		if err := db.Remove(key); err != nil {
			if errors.Is(err, core.ErrKeyNotFound) {
				fmt.Println("Key not found")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "failed to remove the key: %v\n", err)
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		usage()
	}
}
