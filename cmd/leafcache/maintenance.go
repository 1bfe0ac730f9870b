package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/leafcache/internal/cloudsync"
	"github.com/thebluefowl/leafcache/internal/progress"
)

var ttlFlag time.Duration

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict images older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload every image not yet in the bucket",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var urlCmd = &cobra.Command{
	Use:   "url <image-id>",
	Short: "Print a signed URL for a synced image",
	Args:  cobra.ExactArgs(1),
	RunE:  runURL,
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List buckets visible to the saved credentials",
	Args:  cobra.NoArgs,
	RunE:  runBuckets,
}

func init() {
	urlCmd.Flags().DurationVar(&ttlFlag, "ttl", 0, "URL lifetime (default from settings)")
}

var boxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	Padding(0, 1).
	BorderForeground(lipgloss.Color("63"))

func runStats(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		lines := []string{
			fmt.Sprintf("Images:       %d", st.TotalImages),
			fmt.Sprintf("Size:         %s", humanize.Bytes(uint64(st.TotalSize))),
			fmt.Sprintf("Cloud synced: %d", st.CloudSynced),
			fmt.Sprintf("Storage:      %s", st.StorageType),
			fmt.Sprintf("Location:     %s", a.settings.CacheDir),
		}
		fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
		return nil
	})
}

func runCleanup(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		rep, err := a.store.Cleanup(ctx)
		if err != nil {
			return err
		}
		color.Green("✓ Scanned %d images, evicted %d\n", rep.Scanned, rep.Evicted)
		if rep.SkippedUnsynced > 0 {
			color.Yellow("⚠ Kept %d expired images that are not in the bucket yet\n", rep.SkippedUnsynced)
		}
		if rep.Errors > 0 {
			color.Red("✗ %d images could not be evicted\n", rep.Errors)
		}
		return nil
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	var bar *progressbar.ProgressBar
	observer := func(ev cloudsync.Event) {
		if bar != nil {
			_ = bar.Add(1)
		}
	}

	return runWithApp(cmd, observer, func(ctx context.Context, a *app) error {
		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		bar = progress.New(os.Stderr, "Syncing", st.TotalImages-st.CloudSynced)

		res, err := a.store.Sync(ctx)
		if errors.Is(err, cloudsync.ErrRemoteUnavailable) {
			return errors.New("sync needs credentials; run without --offline")
		}
		if err != nil {
			return err
		}

		color.Green("✓ Uploaded %d images\n", res.Uploaded)
		if res.Purged > 0 {
			color.Green("✓ Deleted %d bucket copies of removed images\n", res.Purged)
		}
		for _, f := range res.Failures {
			color.Red("✗ %s: %v\n", f.ID, f.Err)
		}
		if res.Errors > 0 {
			return fmt.Errorf("%d images failed to sync", res.Errors)
		}
		return nil
	})
}

func runURL(cmd *cobra.Command, args []string) error {
	id := args[0]
	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		url, err := a.store.SignedURL(ctx, id, ttlFlag)
		if err != nil {
			return err
		}
		fmt.Println(url)
		return nil
	})
}

func runBuckets(cmd *cobra.Command, args []string) error {
	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		if a.objects == nil {
			return errors.New("listing buckets needs credentials; run without --offline")
		}
		names, err := a.objects.ListBuckets(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			if n == a.objects.Bucket() {
				color.Green("● %s (configured)\n", n)
				continue
			}
			fmt.Printf("  %s\n", n)
		}
		return nil
	})
}
