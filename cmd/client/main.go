// The client command connects to a switchboard server and relays lines typed
// on stdin to it, printing everything the server sends back. With --discover
// it lists the servers advertising on the local network instead.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/dcrodman/switchboard/internal/client"
	"github.com/dcrodman/switchboard/internal/core"
	"github.com/dcrodman/switchboard/internal/discovery"
	"github.com/dcrodman/switchboard/internal/packets"
)

func main() {
	flags := pflag.NewFlagSet("client", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "./", "Path to the directory containing the config file")
	discover := flags.Bool("discover", false, "List the servers on the local network and exit")
	addr := flags.String("addr", "", "Address of the server to connect to (defaults to the first discovered server)")
	flags.String("client-identifier", "Client1", "Name to register with")
	flags.String("client-password", "", "Password to register with")
	flags.String("logging-log-level", "warn", "Minimum level of log messages")
	_ = flags.Parse(os.Args[1:])

	config, err := core.LoadConfig(*configPath, flags)
	if err != nil {
		exit("error loading config:", err)
	}
	logger, err := core.NewLogger(config)
	if err != nil {
		exit("error initializing logger:", err)
	}

	if *discover {
		servers, err := discovery.FindServers(discovery.ConfigFrom(config), logger)
		if err != nil {
			exit("error discovering servers:", err)
		}
		if len(servers) == 0 {
			fmt.Println("no servers found")
		}
		for _, server := range servers {
			fmt.Println(server)
		}
		return
	}

	target := *addr
	if target == "" {
		servers, err := discovery.FindServers(discovery.ConfigFrom(config), logger)
		if err != nil || len(servers) == 0 {
			target = net.JoinHostPort("127.0.0.1", strconv.Itoa(config.Server.Port))
		} else {
			target = servers[0].Endpoint.String()
		}
	}

	c := client.New(client.ConfigFrom(config), logger)
	c.OnMessageReceived(func(m packets.Message) {
		fmt.Println("<", m.Text())
	})
	disconnected := make(chan struct{})
	c.OnDisconnected(func() { close(disconnected) })

	if err := c.Connect(target, config.Client.ConnectTimeout); err != nil {
		exit("error connecting to "+target+":", err)
	}
	info := c.ServerInfo()
	fmt.Printf("connected to %s: %s (%d/%d)\n", target, info.Text, info.Clients+1, info.MaxClients)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				c.Disconnect()
				return
			}
			if line == "" {
				continue
			}
			if err := c.SendText(line); err != nil {
				fmt.Println("error sending message:", err)
			}
		case <-signals:
			c.Disconnect()
			return
		case <-disconnected:
			fmt.Println("server closed the connection")
			return
		}
	}
}

func exit(msg string, err error) {
	fmt.Println(msg, err)
	os.Exit(1)
}
