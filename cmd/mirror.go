package cmd

import (
	"context"
	"fmt"

	"soundsync/storage"

	"github.com/spf13/cobra"
)

var mirrorStats bool

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Upload downloaded sounds to the MinIO bucket",
	Long:  `Upload every downloaded sound that is missing from the configured bucket, creating the bucket when needed. With --stats only the bucket contents are summarised.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		mirror, err := storage.NewMirror(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "MinIO: %s, bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if mirrorStats {
			stats, err := mirror.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "objects: %d\nsize: %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Fprintf(out, "last modified: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			return nil
		}

		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if err := mirror.EnsureBucket(ctx); err != nil {
				return err
			}
			report, err := mirror.Sync(ctx, a.media, a.coord.Sounds())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "uploaded %d (%s), skipped %d, missing locally %d\n",
				report.Uploaded, storage.FormatSize(report.Bytes), report.Skipped, report.Missing)
			return nil
		})
	},
}

func init() {
	mirrorCmd.Flags().BoolVar(&mirrorStats, "stats", false, "only show bucket statistics")
	rootCmd.AddCommand(mirrorCmd)
}
