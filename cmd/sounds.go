package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"soundsync/core/coordinator"
	"soundsync/core/transfer"
	"soundsync/model"

	"github.com/spf13/cobra"
)

var (
	listJSON        bool
	downloadAll     bool
	downloadYes     bool
	downloadWorkers int
	deleteAllToken  string
)

// withApp builds the app for one command run and closes it afterwards.
func withApp(cmd *cobra.Command, opts appOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func parsePosition(arg string) (int, error) {
	pos, err := strconv.Atoi(arg)
	if err != nil || pos < 0 {
		return 0, fmt.Errorf("invalid position %q", arg)
	}
	return pos, nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch changes from the server into the local catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			res, err := a.coord.SyncWithServer(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %d, created %d, existing %d, duplicates %d (watermark %d -> %d)\n",
				res.Fetched, res.Created, res.Existing, res.Duplicates, res.Previous, res.Watermark)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the local catalog with positions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			return printSounds(cmd.OutOrStdout(), a.coord.Sounds(), listJSON)
		})
	},
}

func printSounds(w io.Writer, sounds []model.Sound, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sounds)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tID\tREMOTE\tNAME\tFILE\tDOWNLOADED")
	for i, s := range sounds {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s\t%t\n", i, s.ID, s.RemoteID, s.Name, s.RemoteFileName, s.Downloaded)
	}
	return tw.Flush()
}

// promptConfirmer asks on the terminal before each download.
func promptConfirmer(in io.Reader, out io.Writer) coordinator.Confirmer {
	reader := bufio.NewReader(in)
	return coordinator.ConfirmFunc(func(_ context.Context, s model.Sound) bool {
		fmt.Fprintf(out, "Download %q? [y/N] ", s.Name)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	})
}

// progressPrinter renders a single updating progress line.
func progressPrinter(w io.Writer) transfer.ProgressSink {
	return transfer.ProgressFunc(func(s model.Sound, percent int) {
		fmt.Fprintf(w, "\r%s: %3d%%", s.Name, percent)
		if percent >= 100 {
			fmt.Fprintln(w)
		}
	})
}

var downloadCmd = &cobra.Command{
	Use:   "download [position]",
	Short: "Download (or play, when present) the sound at a position",
	Args: func(cmd *cobra.Command, args []string) error {
		if downloadAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := appOptions{playerWait: true}
		if !downloadYes && !downloadAll {
			opts.confirmer = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
		}

		return withApp(cmd, opts, func(ctx context.Context, a *app) error {
			if downloadAll {
				workers := downloadWorkers
				if workers <= 0 {
					workers = a.cfg.DownloadWorkers
				}
				res, err := a.coord.DownloadMissing(ctx, workers)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "downloaded %d, not found %d, failed %d, cancelled %d\n",
					res.Downloaded, res.NotFound, res.Failed, res.Cancelled)
				for id, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  sound %d: %v\n", id, e)
				}
				return nil
			}

			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			result, err := a.coord.DownloadSound(ctx, pos, progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <position>",
	Short: "Delete the sound at a position on the server and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := parsePosition(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			if err := a.coord.DeleteSound(ctx, pos); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		})
	},
}

var deleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Wipe the local catalog and its media files",
	Long:  "Wipe the local catalog and its media files. Nothing happens unless --confirm carries the confirmation token.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, appOptions{}, func(ctx context.Context, a *app) error {
			ok, err := a.coord.DeleteAllSounds(ctx, deleteAllToken)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("confirmation token mismatch, nothing deleted")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all sounds deleted")
			return nil
		})
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	downloadCmd.Flags().BoolVar(&downloadAll, "all", false, "download every sound that is not downloaded yet")
	downloadCmd.Flags().BoolVarP(&downloadYes, "yes", "y", false, "do not ask for confirmation")
	downloadCmd.Flags().IntVar(&downloadWorkers, "workers", 0, "concurrent transfers with --all (default DOWNLOAD_WORKERS)")

	deleteAllCmd.Flags().StringVar(&deleteAllToken, "confirm", "", "confirmation token")

	rootCmd.AddCommand(syncCmd, listCmd, downloadCmd, deleteCmd, deleteAllCmd)
}
