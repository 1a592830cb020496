// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MonteBryce/thermalog/services/fieldsync/config"
	"github.com/MonteBryce/thermalog/services/fieldsync/queue"
	"github.com/MonteBryce/thermalog/services/fieldsync/storage/badgerstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print sync queue status for the local data dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		storeCfg := badgerstore.DefaultConfig()
		storeCfg.Path = cfg.DataDir
		db, err := badgerstore.Open(storeCfg)
		if err != nil {
			return fmt.Errorf("open device store (is the agent running?): %w", err)
		}
		defer db.Close()

		q, err := queue.New(db, queue.DefaultBackoffSchedule(), nil)
		if err != nil {
			return err
		}

		ctx := context.Background()
		stats, err := q.Stats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Pending mutations:  %d\n", stats.PendingCount)
		fmt.Printf("Dead letters:       %d\n", stats.DeadCount)
		if stats.PendingCount > 0 {
			fmt.Printf("Oldest pending:     %s\n", stats.OldestPendingAge.Round(0))
			fmt.Printf("Max attempt count:  %d\n", stats.MaxAttemptCount)
		}
		if stats.LastError != "" {
			fmt.Printf("Last error:         %s\n", stats.LastError)
		}

		dead, err := q.DeadLetters(ctx)
		if err != nil {
			return err
		}
		for _, item := range dead {
			fmt.Printf("  dead: %s target=%s attempts=%d error=%s\n",
				item.ID, item.TargetKey, item.AttemptCount, item.LastError)
		}
		return nil
	},
}
