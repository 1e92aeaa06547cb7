// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// The wardroomctl command is a diagnostic client for wardroom deployments.
// It connects to the XMPP server with the same session core the application
// uses, which makes it useful for verifying room and document behavior
// against a live Openfire instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/urfave/cli/v2"

	"github.com/wardroomhq/wardroom"
	"github.com/wardroomhq/wardroom/config"
	"github.com/wardroomhq/wardroom/pubsub"
	"github.com/wardroomhq/wardroom/rooms"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string
	ConfigFile string
}

var cmdArgs cliArgs

var logTags = log.Fields{"module": "main", "component": "wardroomctl"}

func main() {
	app := &cli.App{
		Name:  "wardroomctl",
		Usage: "wardroom session diagnostics",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Client config file",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				Destination: &cmdArgs.ConfigFile,
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "Join a room and print its messages",
				ArgsUsage: "ROOM",
				Action:    watchRoom,
			},
			{
				Name:      "publish",
				Usage:     "Publish a JSON document read from stdin to a node",
				ArgsUsage: "NODE",
				Action:    publishDocument,
			},
			{
				Name:      "fetch",
				Usage:     "Fetch and print the current content of a node",
				ArgsUsage: "NODE",
				Action:    fetchDocument,
			},
			{
				Name:      "subscribe",
				Usage:     "Subscribe to a node and print its change notifications",
				ArgsUsage: "NODE",
				Action:    watchDocument,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// connectClient loads the config, builds a client, and connects it.
func connectClient(ctx context.Context) (*wardroom.Client, error) {
	setupLogging()
	cfg, err := config.Load(cmdArgs.ConfigFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}
	client := wardroom.NewClient(cfg.ClientConfig())
	connectCtx, cancel := context.WithTimeout(
		ctx, time.Second*time.Duration(cfg.Server.ConnectTimeout),
	)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		log.WithError(err).WithFields(logTags).Error("Connect failed")
		return nil, err
	}
	return client, nil
}

func disconnect(client *wardroom.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Disconnect failed")
	}
}

func watchRoom(c *cli.Context) error {
	room := c.Args().First()
	if room == "" {
		return fmt.Errorf("watch needs a room name")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	err = client.Rooms().Join(ctx, room, func(msg rooms.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.Room, msg.From, msg.Body)
	})
	if err != nil {
		return fmt.Errorf("joining %s: %w", room, err)
	}
	log.WithFields(logTags).Infof("Watching %s", room)
	<-ctx.Done()
	return nil
}

func publishDocument(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return fmt.Errorf("publish needs a node name")
	}
	var content json.RawMessage
	if err := json.NewDecoder(os.Stdin).Decode(&content); err != nil {
		return fmt.Errorf("reading document from stdin: %w", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	if err := client.Docs().PublishLeaf(ctx, node, "", content); err != nil {
		return fmt.Errorf("publishing to %s: %w", node, err)
	}
	fmt.Printf("published to %s\n", node)
	return nil
}

func watchDocument(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return fmt.Errorf("subscribe needs a node name")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	subID, err := client.Docs().Subscribe(ctx, node, func(change pubsub.Change) {
		fmt.Printf("[%s] %s: %s\n", change.Node, change.ItemID, change.Content)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", node, err)
	}
	log.WithFields(logTags).Infof("Subscribed to %s as %s", node, subID)
	<-ctx.Done()
	return nil
}

func fetchDocument(c *cli.Context) error {
	node := c.Args().First()
	if node == "" {
		return fmt.Errorf("fetch needs a node name")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	client, err := connectClient(ctx)
	if err != nil {
		return err
	}
	defer disconnect(client)

	content, err := client.Docs().Fetch(ctx, node)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", node, err)
	}
	if content == nil {
		return fmt.Errorf("node %s has no content", node)
	}
	fmt.Printf("%s\n", content)
	return nil
}
