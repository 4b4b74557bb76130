// Package main implements a mock Claude CLI binary for development and e2e
// tests. It speaks the stream-json protocol over stdin/stdout and, like the
// real CLI, appends every conversation event to a session journal under the
// journal root, so the full watch/ingest/broadcast pipeline can be exercised
// without an API key.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

func main() {
	opts := parseArgs(os.Args)
	if opts.sessionID == "" {
		fmt.Fprintln(os.Stderr, "mock-claude: --session-id or --resume is required")
		os.Exit(2)
	}

	sess, err := newSession(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mock-claude: %v\n", err)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	enc := json.NewEncoder(os.Stdout)

	// The supervisor treats init as the start of the first assistant turn.
	sess.emitInit(enc)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.Type == "user" && msg.Message != nil {
			sess.handleTurn(enc, scanner, msg.Message)
		}
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-claude: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// cliOpts are the launch arguments the supervisor passes. The standard
// stream-json flags (-p, --output-format, ...) are accepted and ignored.
type cliOpts struct {
	sessionID      string
	resume         bool
	permissionMode string
}

// parseArgs scans the raw argument list. Flags may appear as either
// "--flag value" or "--flag=value".
func parseArgs(args []string) cliOpts {
	opts := cliOpts{permissionMode: "default"}
	for i := 1; i < len(args); i++ {
		name, value, inline := splitFlag(args[i])
		if !inline && i+1 < len(args) {
			value = args[i+1]
		}
		switch name {
		case "--session-id":
			opts.sessionID = value
			if !inline {
				i++
			}
		case "--resume":
			opts.sessionID = value
			opts.resume = true
			if !inline {
				i++
			}
		case "--permission-mode":
			opts.permissionMode = value
			if !inline {
				i++
			}
		}
	}
	return opts
}

func splitFlag(arg string) (name, value string, inline bool) {
	if eq := strings.IndexByte(arg, '='); eq >= 0 {
		return arg[:eq], arg[eq+1:], true
	}
	return arg, "", false
}
