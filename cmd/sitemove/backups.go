package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitemove/internal/catalog"
	"github.com/BadgerOps/sitemove/internal/config"
)

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage archives in the backups directory",
		Example: `  sitemove backups list
  sitemove backups label site-20240101-120000-ab12cd34.smv "before upgrade"
  sitemove backups download site-20240101-120000-ab12cd34.smv --to /mnt/usb
  sitemove backups delete site-20240101-120000-ab12cd34.smv`,
	}
	cmd.AddCommand(
		newBackupsListCmd(),
		newBackupsDeleteCmd(),
		newBackupsLabelCmd(),
		newBackupsDownloadCmd(),
	)
	return cmd
}

func newBackupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List archives, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backups, err := globalCatalog.List()
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Printf("No backups in %s\n", globalCatalog.Dir())
				return nil
			}
			fmt.Printf("%-48s %10s %-17s %s\n", "Name", "Size", "Created", "Label")
			fmt.Println(strings.Repeat("-", 90))
			for _, b := range backups {
				fmt.Printf("%-48s %10s %-17s %s\n",
					b.Name, formatBytes(b.Size), b.ModTime.Local().Format("2006-01-02 15:04"), b.Label)
			}
			return nil
		},
	}
}

func newBackupsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME...",
		Short: "Delete archives with their checksums and labels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if err := globalCatalog.Delete(name); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", name)
			}
			return nil
		},
	}
}

func newBackupsLabelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "label NAME [LABEL]",
		Short: "Show or set an archive's label",
		Long: `Show an archive's label, or replace it when LABEL is given. An empty
LABEL clears it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				if err := globalCatalog.SetLabel(args[0], args[1]); err != nil {
					return err
				}
			}
			label, err := globalCatalog.Label(args[0])
			if err != nil {
				return err
			}
			fmt.Println(label)
			return nil
		},
	}
}

var (
	downloadTo    string
	downloadChunk string
)

func newBackupsDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download NAME",
		Short: "Copy an archive out of the backups directory",
		Long: `Copy an archive and its checksum to another directory in chunks. An
interrupted copy is continued from the bytes already written.`,
		Args: cobra.ExactArgs(1),
		RunE: downloadRun,
	}
	cmd.Flags().StringVar(&downloadTo, "to", "", "destination directory (required)")
	cmd.Flags().StringVar(&downloadChunk, "chunk-size", "", "bytes copied per chunk (default: export.chunk_size)")
	if err := cmd.MarkFlagRequired("to"); err != nil {
		panic(err)
	}
	return cmd
}

func downloadRun(cmd *cobra.Command, args []string) error {
	name := args[0]
	b, err := globalCatalog.Get(name)
	if err != nil {
		return err
	}

	chunk, err := globalCfg.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if downloadChunk != "" {
		if chunk, err = config.ParseSize(downloadChunk); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(downloadTo, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(downloadTo, name)
	part := dest + ".part"

	var offset int64
	if info, err := os.Stat(part); err == nil {
		offset = info.Size()
		if offset > b.Size {
			offset = 0
		}
	}
	f, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if offset > 0 {
		fmt.Printf("Continuing %s at %s of %s\n", name, formatBytes(offset), formatBytes(b.Size))
	}

	for offset < b.Size {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		rng, err := globalCatalog.ReadRange(name, offset, chunk)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, rng)
		rng.Close()
		offset += n
		if err != nil {
			return fmt.Errorf("copying %s at offset %d: %w", name, offset, err)
		}
		if n == 0 {
			return fmt.Errorf("copying %s: archive shrank to %d bytes", name, offset)
		}
		if !quiet {
			fmt.Fprintf(os.Stderr, "\r%s / %s", formatBytes(offset), formatBytes(b.Size))
		}
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		return err
	}

	if err := copySidecar(filepath.Join(globalCatalog.Dir(), name), dest); err != nil {
		return err
	}
	fmt.Printf("Copied %s (%s) to %s\n", name, formatBytes(b.Size), dest)
	return nil
}

func copySidecar(src, dest string) error {
	data, err := os.ReadFile(src + catalog.SidecarExt)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return os.WriteFile(dest+catalog.SidecarExt, data, 0o644)
}
