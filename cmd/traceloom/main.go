// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Traceloom (https://traceloom.dev/).
// Copyright 2024-present Traceloom, Inc.

// Main package of the traceloom backend binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/traceloom/traceloom/pkg/agent"
	"github.com/traceloom/traceloom/pkg/config"
	"github.com/traceloom/traceloom/pkg/log"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	confPath string
)

func main() {
	root := &cobra.Command{
		Use:          "traceloom",
		Short:        "LLM observability backend",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&confPath, "config", "c", "", "path to the configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the backend",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(Version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	conf, err := config.Load(confPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, conf)
	if err != nil {
		return err
	}
	log.Infof("traceloom %s starting", Version)
	return a.Run(ctx)
}
