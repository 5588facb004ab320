// Command client is the client CLI mode: client <client_id> <register_pipe_path>.
// It connects to the server over the named registration pipe and drops into
// an interactive REPL for subscribe/unsubscribe/disconnect.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"kvsd/internal/clientapi"
	"kvsd/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: client <client_id> <register_pipe_path>")
	}
	clientID := args[0]
	registerPipePath := args[1]

	logger, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	c, err := clientapi.New(clientID, registerPipePath, logger)
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}

	logger.Info("client: connecting", zap.String("id", clientID))
	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Println("connected")

	repl := clientapi.NewREPL(c, logger)
	defer repl.Close()
	return repl.Run()
}
