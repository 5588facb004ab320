package clientapi

import (
	"fmt"
	"strings"

	"github.com/peterh/liner"
	"go.uber.org/zap"
)

// REPL is the interactive client shell: connect once, then accept
// subscribe/unsubscribe/disconnect commands from the terminal while printing
// incoming notifications as they arrive.
type REPL struct {
	client *Client
	line   *liner.State
	logger *zap.Logger
}

// NewREPL wraps an already-connected Client in an interactive shell.
func NewREPL(client *Client, logger *zap.Logger) *REPL {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return &REPL{client: client, line: line, logger: logger}
}

// Close releases the underlying terminal state.
func (r *REPL) Close() error {
	return r.line.Close()
}

// Run prints notifications on a background goroutine and processes
// "subscribe <key>", "unsubscribe <key>" and "disconnect" commands from the
// prompt until disconnect or EOF.
func (r *REPL) Run() error {
	notifications := r.client.Notifications()
	go func() {
		for n := range notifications {
			if n.Deleted {
				fmt.Printf("\n[notify] %s deleted\n", n.Key)
			} else {
				fmt.Printf("\n[notify] %s = %s\n", n.Key, n.Value)
			}
		}
	}()

	for {
		input, err := r.line.Prompt("kvs> ")
		if err != nil {
			return nil
		}
		r.line.AppendHistory(input)

		verb, rest, _ := strings.Cut(strings.TrimSpace(input), " ")
		key := strings.TrimSpace(rest)

		switch strings.ToLower(verb) {
		case "subscribe":
			ok, err := r.client.Subscribe(key)
			r.report("subscribe", ok, err)
		case "unsubscribe":
			ok, err := r.client.Unsubscribe(key)
			r.report("unsubscribe", ok, err)
		case "disconnect", "quit", "exit":
			if err := r.client.Disconnect(); err != nil {
				fmt.Println("disconnect error:", err)
				return err
			}
			fmt.Println("disconnected")
			return nil
		case "":
			continue
		default:
			fmt.Println("unknown command; try subscribe/unsubscribe/disconnect")
		}
	}
}

func (r *REPL) report(op string, ok bool, err error) {
	if err != nil {
		fmt.Printf("%s error: %v\n", op, err)
		return
	}
	if ok {
		fmt.Printf("%s: accepted\n", op)
	} else {
		fmt.Printf("%s: rejected\n", op)
	}
}
