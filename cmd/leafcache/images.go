package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thebluefowl/leafcache/internal/image"
)

var (
	plantFlag  string
	noteFlag   string
	widthFlag  int
	heightFlag int
)

var storeCmd = &cobra.Command{
	Use:   "store <file>",
	Short: "Store an image in the cache",
	Long:  `Reads an image file, stores it locally and uploads it when signed in. Prints the new image id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStore,
}

var getCmd = &cobra.Command{
	Use:   "get <image-id> <destination>",
	Short: "Write a cached image to a file",
	Long:  `Reads an image from the local cache, falling back to the bucket, and writes it to destination.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var rmCmd = &cobra.Command{
	Use:   "rm <image-id>",
	Short: "Remove an image locally and from the bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

func init() {
	storeCmd.Flags().StringVar(&plantFlag, "plant", "", "Plant the image belongs to")
	storeCmd.Flags().StringVar(&noteFlag, "note", "", "Note the image belongs to")
	storeCmd.Flags().IntVar(&widthFlag, "width", 0, "Image width in pixels")
	storeCmd.Flags().IntVar(&heightFlag, "height", 0, "Image height in pixels")
}

func runStore(cmd *cobra.Command, args []string) error {
	sourcePath := args[0]

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", sourcePath, err)
	}
	payload := image.Encode(detectMIME(sourcePath, data), data)

	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		id, err := a.store.Store(ctx, payload, image.Associations{
			PlantID: plantFlag,
			NoteID:  noteFlag,
			Width:   widthFlag,
			Height:  heightFlag,
		})
		if err != nil {
			return err
		}
		color.Green("✓ Stored %s as %s\n", filepath.Base(sourcePath), id)
		return nil
	})
}

// detectMIME prefers the file extension and falls back to sniffing content.
func detectMIME(path string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return http.DetectContentType(data)
}

func runGet(cmd *cobra.Command, args []string) error {
	id, destPath := args[0], args[1]

	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		payload, ok, err := a.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("image %s not found", id)
		}

		_, data, err := image.DecodeBytes(payload)
		if err != nil {
			return err
		}
		if err := os.WriteFile(destPath, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", destPath, err)
		}
		color.Green("✓ Wrote %s to %s\n", id, destPath)
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	id := args[0]
	return runWithApp(cmd, nil, func(ctx context.Context, a *app) error {
		if err := a.store.Remove(ctx, id); err != nil {
			return err
		}
		color.Green("✓ Removed %s\n", id)
		return nil
	})
}
