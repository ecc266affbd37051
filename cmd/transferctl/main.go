// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// transferctl drives a running transfer-api from the command line, the way
// the agent runtime and an operator console do.
//
//	transferctl -addr http://localhost:9010 start Room42 CA-caller 6045551234 Sales
//	transferctl accept Room42
//	transferctl inspect -live Room42
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	transfer_client "github.com/rapidaai/callbridge/pkg/clients/transfer"
	"github.com/rapidaai/callbridge/pkg/commons"
)

type Config struct {
	Addr      string
	Timeout   time.Duration
	Origin    string
	AgentName string
	AgentLeg  string
	Verbose   bool
}

func main() {
	cfg, args := parseFlags()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := "warn"
	if cfg.Verbose {
		level = "debug"
	}
	logger, err := commons.NewApplicationLogger(
		commons.Name("transferctl"),
		commons.Level(level),
	)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	client := transfer_client.NewTransferServiceClient(logger, cfg.Addr, cfg.Timeout)
	if err := run(ctx, client, cfg, args, os.Stdout); err != nil {
		log.Fatalf("transferctl: %v", err)
	}
}

func parseFlags() (*Config, []string) {
	cfg := &Config{}

	flag.StringVar(&cfg.Addr, "addr", "http://localhost:9010", "transfer-api base url")
	flag.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "request timeout")
	flag.StringVar(&cfg.Origin, "origin", "", "caller id presented to the transferee")
	flag.StringVar(&cfg.AgentName, "agent", "", "agent name recorded with the transfer")
	flag.StringVar(&cfg.AgentLeg, "agent-leg", "", "agent leg moved into a one-shot conference")
	flag.BoolVar(&cfg.Verbose, "v", false, "log every request")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `usage: transferctl [flags] <command> <session-key> [args]

commands:
  start <key> <caller-leg> <target> [label]       put the caller on hold and dial the target
  complete <key>                                  bridge caller and transferee
  cancel <key>                                    hang up the transferee and resume the caller
  accept <key> | decline <key>                    post an agent decision
  conference <key> <caller-leg> <target> [label]  one-shot three way conference
  inspect [-live] <key>                           show the stored session
  events <key>                                    show the audit trail

flags:
`)
		flag.PrintDefaults()
	}

	flag.Parse()
	return cfg, flag.Args()
}

func run(ctx context.Context, client transfer_client.TransferServiceClient, cfg *Config, args []string, out io.Writer) error {
	command, rest := args[0], args[1:]
	var (
		result interface{}
		err    error
	)
	switch command {
	case "start", "conference":
		if len(rest) < 3 {
			return fmt.Errorf("%s needs <key> <caller-leg> <target>", command)
		}
		req := transfer_client.StartRequest{
			SessionKey:    rest[0],
			CallerLegID:   rest[1],
			TargetAddress: rest[2],
			OriginAddress: cfg.Origin,
			AgentName:     cfg.AgentName,
		}
		if len(rest) > 3 {
			req.TargetLabel = rest[3]
		}
		if command == "start" {
			result, err = client.WarmStart(ctx, req)
		} else {
			result, err = client.Conference(ctx, transfer_client.ConferenceRequest{StartRequest: req, AgentLegID: cfg.AgentLeg})
		}
	case "complete", "cancel", "accept", "decline", "events":
		if len(rest) != 1 {
			return fmt.Errorf("%s needs exactly one session key", command)
		}
		switch command {
		case "complete":
			result, err = client.WarmComplete(ctx, rest[0])
		case "cancel":
			result, err = client.WarmCancel(ctx, rest[0])
		case "events":
			result, err = client.Events(ctx, rest[0])
		default:
			result, err = client.Decide(ctx, rest[0], command, cfg.AgentName)
		}
	case "inspect":
		fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
		live := fs.Bool("live", false, "query the provider for each leg")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("inspect needs exactly one session key")
		}
		result, err = client.Inspect(ctx, fs.Arg(0), *live)
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	// partial outcomes are printed before the error is reported
	var apiErr *transfer_client.APIError
	if errors.As(err, &apiErr) && apiErr.Result != nil {
		result = apiErr.Result
	}
	if result != nil && (err == nil || apiErr != nil) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
	}
	return err
}
