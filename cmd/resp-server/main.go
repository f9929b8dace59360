// RESP-compatible server for bitcaskplus.
//
// Speaks enough of the Redis wire protocol (RESP) that the store can be
// driven with standard tools like redis-cli and redis-benchmark.
// Commands arrive as arrays of bulk strings; replies use simple strings,
// bulk strings, integers and nulls.
//
// Protocol reference: https://redis.io/docs/reference/protocol-spec/
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/grcm10/bitcaskplus/core"
)

func main() {
	var (
		dbPath = flag.String("path", "./resp-data", "path to data directory")
		addr   = flag.String("addr", ":6379", "listen address")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	db, err := core.Open(*dbPath,
		core.WithRolloverThreshold(10*1024*1024), // larger segments for server workloads
		core.WithLogger(log),
	)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close() // nolint:errcheck

	listener, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	defer listener.Close() // nolint:errcheck

	log.Infof("RESP server listening on %s", *addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Warnf("accept error: %v", err)
			continue
		}

		// Handle each connection in a separate goroutine
		go handleConnection(conn, db, log)
	}
}

// handleConnection processes one client connection: parse a RESP command,
// execute it against the store, write the RESP reply, repeat.
func handleConnection(conn net.Conn, db *core.DB, log *zap.SugaredLogger) {
	defer conn.Close() // nolint:errcheck

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		cmd, err := parseRESP(reader)
		if err != nil {
			if err == io.EOF {
				return // client disconnected cleanly
			}
			log.Warnf("parse error: %v", err)
			_, _ = writer.WriteString(writeError("ERR parse error"))
			_ = writer.Flush()
			continue
		}

		if _, err := writer.WriteString(executeCommand(db, cmd)); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// parseRESP reads one command: an array header (*N) followed by N bulk
// strings ($len + data), each line CRLF-terminated.
func parseRESP(reader *bufio.Reader) ([]string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, errors.New("expected array")
	}

	length, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid array length: %v", err)
	}

	args := make([]string, length)
	for i := 0; i < length; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] != '$' {
			return nil, errors.New("expected bulk string")
		}

		strLen, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid string length: %v", err)
		}

		// $-1 is the protocol's null bulk string
		if strLen == -1 {
			args[i] = ""
			continue
		}

		data := make([]byte, strLen+2) // +2 for trailing \r\n
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}

		args[i] = string(data[:strLen])
	}

	return args, nil
}

// executeCommand maps the supported command surface onto the store:
// PING, SET, GET, DEL, EXISTS.
func executeCommand(db *core.DB, args []string) string {
	if len(args) == 0 {
		return writeError("ERR empty command")
	}

	// command names are case-insensitive
	switch strings.ToUpper(args[0]) {
	case "PING":
		return writeSimpleString("PONG")

	case "SET":
		if len(args) != 3 {
			return writeError("ERR wrong number of arguments for 'SET' command")
		}
		if err := db.Set(args[1], args[2]); err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		return writeSimpleString("OK")

	case "GET":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'GET' command")
		}
		value, found, err := db.Get(args[1])
		if err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		if !found {
			return writeNull()
		}
		return writeBulkString(value)

	case "DEL":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'DEL' command")
		}
		if err := db.Remove(args[1]); err != nil {
			if errors.Is(err, core.ErrKeyNotFound) {
				return writeInteger(0)
			}
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		return writeInteger(1)

	case "EXISTS":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'EXISTS' command")
		}
		_, found, err := db.Get(args[1])
		if err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		if !found {
			return writeInteger(0)
		}
		return writeInteger(1)

	default:
		return writeError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func writeSimpleString(s string) string {
	return "+" + s + "\r\n"
}

func writeBulkString(s string) string {
	return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s)
}

func writeInteger(n int) string {
	return fmt.Sprintf(":%d\r\n", n)
}

func writeNull() string {
	return "$-1\r\n"
}

func writeError(msg string) string {
	return "-" + msg + "\r\n"
}
