package main

import (
	"fmt"
	"log"
	"net/rpc"
	"os"

	"github.com/grcm10/bitcaskplus/cmd/remote"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  client get <key>\n")
	fmt.Fprintf(os.Stderr, "  client set <key> <value>\n")
	fmt.Fprintf(os.Stderr, "  client rm <key>\n")
	os.Exit(1)
}

func dial() *rpc.Client {
	client, err := rpc.Dial("tcp", "localhost:1729")
	if err != nil {
		log.Fatalf("failed to dial rpc: %v", err)
	}
	return client
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	action := os.Args[1]
	key := os.Args[2]

	switch action {
	case "get":
		if len(os.Args) != 3 {
			usage()
		}

		var reply remote.GetReply
		if err := dial().Call("DB.Get", &remote.GetArgs{Key: key}, &reply); err != nil {
			log.Fatalf("failed to get the key: %v", err)
		}
		if !reply.Found {
			fmt.Println("Key not found")
			os.Exit(1)
		}
		fmt.Println(reply.Val)

	case "set":
		if len(os.Args) != 4 {
			usage()
		}
		val := os.Args[3]

		var setReply struct{}
		if err := dial().Call("DB.Set", &remote.SetArgs{Key: key, Val: val}, &setReply); err != nil {
			log.Fatalf("failed to set the key: %v", err)
		}
		fmt.Println("done")

	case "rm":
		if len(os.Args) != 3 {
			usage()
		}

		var rmReply struct{}
		if err := dial().Call("DB.Remove", &remote.RemoveArgs{Key: key}, &rmReply); err != nil {
			log.Fatalf("failed to remove the key: %v", err)
		}
		fmt.Println("done")

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", action)
		usage()
	}
}
