package cmd

import (
	"fmt"

	"soundsync/cache"
	"soundsync/repository"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Check the Redis preference backend",
	Long:  `Connect to Redis, run a write/read/delete round trip and print the stored sync watermark.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Redis: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := cache.Connect(cfg)
		if err != nil {
			return err
		}
		defer client.Close()
		fmt.Fprintln(out, "connected")

		ctx := cmd.Context()
		if err := cache.Check(ctx, client, cfg.RedisPrefix); err != nil {
			return err
		}
		fmt.Fprintln(out, "read/write check passed")

		watermark := repository.NewWatermarkStore(cache.NewPreferenceStore(client, cfg.RedisPrefix))
		ts, err := watermark.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "watermark: %d\n", ts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
