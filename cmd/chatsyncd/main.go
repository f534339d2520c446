package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	userFlag := flag.String("user", "", "user id the engine syncs for")
	gatewayFlag := flag.String("gateway", "", "gateway URL (overrides config transport_url)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: -user is required")
		os.Exit(1)
	}

	app := fx.New(
		engine.Module(engine.Params{
			SessionName: sessionName,
			UserID:      *userFlag,
			GatewayURL:  *gatewayFlag,
		}),
	)

	app.Run()
}
