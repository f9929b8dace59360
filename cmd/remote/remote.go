// Package remote provides an RPC wrapper around the core DB.
package remote

import (
	"net"
	"net/rpc"

	"github.com/grcm10/bitcaskplus/core"
)

type DBRemote struct {
	db *core.DB
}

type GetArgs struct {
	Key string
}

// GetReply carries the found flag explicitly; an absent key is a normal
// reply, not an RPC error.
type GetReply struct {
	Val   string
	Found bool
}

type SetArgs struct {
	Key string
	Val string
}

type RemoveArgs struct {
	Key string
}

func (remote *DBRemote) Get(args *GetArgs, reply *GetReply) error {
	val, found, err := remote.db.Get(args.Key)
	if err != nil {
		return err
	}
	reply.Val = val
	reply.Found = found
	return nil
}

func (remote *DBRemote) Set(args *SetArgs, _ *struct{}) error {
	return remote.db.Set(args.Key, args.Val)
}

func (remote *DBRemote) Remove(args *RemoveArgs, _ *struct{}) error {
	return remote.db.Remove(args.Key)
}

func StartRPC(db *core.DB, addr string) (string, func(), error) {
	// Create the rpc object
	remote := &DBRemote{db: db}

	// Register the rpc server
	server := rpc.NewServer()

	if err := server.RegisterName("DB", remote); err != nil {
		_ = db.Close()
		return "", nil, err
	}

	// Listen on TCP
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close()
		return "", nil, err
	}

	// Serve in the background
	go server.Accept(listener)

	// Return the actual address and a cleanup callback
	cleanup := func() {
		_ = listener.Close() // stop accepting new conns
	}
	return listener.Addr().String(), cleanup, nil
}
