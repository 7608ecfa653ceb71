// The server command runs a switchboard server: it accepts clients, registers
// them, relays their messages to each other, and advertises itself on the
// local network.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dcrodman/switchboard/internal"
	"github.com/dcrodman/switchboard/internal/core"
)

func main() {
	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "./", "Path to the directory containing the config file")
	flags.Int("server-port", 7991, "Port to listen for clients on")
	flags.Int("server-max-connections", 32, "Maximum number of connected clients")
	flags.String("server-welcome-message", "Welcome to the switchboard", "Text sent to every new client")
	flags.Bool("server-use-auth", true, "Require clients to send the password")
	flags.String("server-password", "", "Password clients must register with")
	flags.Bool("discovery-enabled", true, "Advertise the server on the local network")
	flags.String("logging-log-level", "info", "Minimum level of log messages")
	_ = flags.Parse(os.Args[1:])

	config, err := core.LoadConfig(*configPath, flags)
	if err != nil {
		fmt.Println("error loading config:", err)
		os.Exit(1)
	}

	// Bind the Controller to one top-level context so that we can shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())

	// Register a SIGTERM handler so that Ctrl-C will shut the server down gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go exitHandler(cancel, c)

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Println(err)
		os.Exit(1)
	}
	fmt.Println("shut down")
}

func exitHandler(cancelFn func(), c chan os.Signal) {
	<-c
	fmt.Println("waiting to shut down gracefully...")
	cancelFn()

	// A second signal skips the graceful shutdown.
	<-c
	fmt.Println("hard exiting (killed)")
	os.Exit(1)
}
