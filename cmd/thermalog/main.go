// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "thermalog",
	Short: "Offline-first compliance logging sync agent",
	Long: `thermalog runs on a field device: it stores hourly sensor entries
locally, stages every change in a durable queue, and reconciles with
the remote log store whenever connectivity allows.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"thermalog.yaml", "path to the device config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
