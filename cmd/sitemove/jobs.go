package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/sitemove/internal/pipeline"
)

// jobFlags are shared by the commands that run a job.
type jobFlags struct {
	stateFile string
	password  string
	maxSlices int
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.stateFile, "state-file", "", "write the job state to this file after every slice")
	cmd.Flags().StringVar(&f.password, "password", "", "archive password (or set SITEMOVE_PASSWORD)")
	cmd.Flags().IntVar(&f.maxSlices, "max-slices", 0, "stop after this many slices; resume later with 'sitemove resume'")
}

func (f *jobFlags) resolvePassword() string {
	if f.password != "" {
		return f.password
	}
	return os.Getenv("SITEMOVE_PASSWORD")
}

var (
	exportFlags       jobFlags
	exportOpts        pipeline.Options
	exportCompression string
	exportSinks       string
	exportExclude     []string
	exportExcludeTbl  []string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Package the site into an archive",
		Long: `Package the site's content directory and database into a single archive.
The archive is published to the backups directory and to any configured sinks.

Content is grouped into media, plugins, themes and the remaining content
directory; each group can be left out. Exclusions given here are added to the
ones in the config file.`,
		Example: `  sitemove export
  sitemove export --no-media --label "code only"
  sitemove export --password s3cret --sink s3
  sitemove export --exclude "*.log" --exclude-table wp_actionscheduler_logs`,
		Args: cobra.NoArgs,
		RunE: exportRun,
	}

	exportFlags.register(cmd)
	cmd.Flags().StringVar(&exportOpts.Label, "label", "", "label stored with the archive")
	cmd.Flags().StringVar(&exportCompression, "compression", "", "compression (zstd or none; default from config)")
	cmd.Flags().StringVar(&exportSinks, "sink", "", "comma-separated sinks to upload the archive to")
	cmd.Flags().StringSliceVar(&exportExclude, "exclude", nil, "glob of content paths to leave out (repeatable)")
	cmd.Flags().StringSliceVar(&exportExcludeTbl, "exclude-table", nil, "database table to leave out (repeatable)")
	cmd.Flags().BoolVar(&exportOpts.NoMedia, "no-media", false, "leave out the uploads directory")
	cmd.Flags().BoolVar(&exportOpts.NoPlugins, "no-plugins", false, "leave out the plugins directory")
	cmd.Flags().BoolVar(&exportOpts.NoThemes, "no-themes", false, "leave out the themes directory")
	cmd.Flags().BoolVar(&exportOpts.NoDatabase, "no-database", false, "leave out the database")
	cmd.Flags().BoolVar(&exportOpts.NoSpamComments, "no-spam-comments", false, "leave out spam comments")
	cmd.Flags().BoolVar(&exportOpts.NoRevisions, "no-revisions", false, "leave out post revisions")
	cmd.Flags().BoolVar(&exportOpts.DeactivatePlugins, "deactivate-plugins", false, "export with every plugin deactivated")
	cmd.Flags().StringVar(&exportOpts.Theme, "theme", "", "export with this theme active")

	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	if globalSched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	opts := exportOpts
	opts.Compression = exportCompression
	opts.Password = exportFlags.resolvePassword()
	opts.Exclude.Globs = exportExclude
	opts.Exclude.Tables = exportExcludeTbl
	if exportSinks != "" {
		for _, s := range strings.Split(exportSinks, ",") {
			opts.Sinks = append(opts.Sinks, strings.TrimSpace(s))
		}
	}

	st, err := globalSched.Start(pipeline.KindExport, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Exporting %s (job %s)...\n", globalCfg.ContentRoot(), st.JobID)
	st, err = runJob(cmd, st, exportFlags)
	if err != nil {
		return err
	}
	return reportJob(st)
}

var (
	importFlags  jobFlags
	importOpts   pipeline.Options
	importSource string
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import ARCHIVE",
		Short: "Restore an archive into the site",
		Long: `Restore an archive into the site. ARCHIVE is resolved by the source: a
name in the backups directory (default), a local path (--source file), an
http(s) URL (--source http) or an object key (--source s3).

URLs and paths in the database are rewritten to the target site. An import
that fails on the archive password stops at the decrypt step; run
'sitemove resume JOB --password ...' to continue it.`,
		Example: `  sitemove import site-20240101-120000-ab12cd34.smv
  sitemove import /mnt/usb/site.smv --source file --target-url https://new.example
  sitemove import https://old.example/backups/site.smv --source http --password s3cret`,
		Args: cobra.ExactArgs(1),
		RunE: importRun,
	}

	importFlags.register(cmd)
	cmd.Flags().StringVar(&importSource, "source", "", "archive source (backups, file, http, s3)")
	cmd.Flags().StringVar(&importOpts.TargetURL, "target-url", "", "site URL of the target (default: read from the target database)")
	cmd.Flags().StringVar(&importOpts.TargetHome, "target-home", "", "home URL of the target (default: read from the target database)")

	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalSched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	opts := importOpts
	opts.Archive = args[0]
	opts.Source = importSource
	if opts.Source == "file" {
		abs, err := filepath.Abs(opts.Archive)
		if err != nil {
			return err
		}
		opts.Archive = abs
	}
	opts.Password = importFlags.resolvePassword()

	st, err := globalSched.Start(pipeline.KindImport, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Importing %s into %s (job %s)...\n", args[0], globalCfg.ContentRoot(), st.JobID)
	st, err = runJob(cmd, st, importFlags)
	if err != nil {
		return err
	}
	return reportJob(st)
}

var resumeFlags jobFlags

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [JOB]",
		Short: "Continue an unfinished job",
		Long: `Continue an export or import from its last saved state. The job is given
by ID or read from the file written by --state-file. A new --password may be
supplied to retry an import that failed to decrypt.`,
		Example: `  sitemove resume 0b6f3c1e-7d2a-4c55-9d0e-2f1f1c7e0a11
  sitemove resume --state-file /tmp/export.json
  sitemove resume 0b6f3c1e-7d2a-4c55-9d0e-2f1f1c7e0a11 --password s3cret`,
		Args: cobra.MaximumNArgs(1),
		RunE: resumeRun,
	}
	resumeFlags.register(cmd)
	return cmd
}

func resumeRun(cmd *cobra.Command, args []string) error {
	if globalSched == nil {
		return fmt.Errorf("scheduler not initialized")
	}

	id, err := jobIDFrom(args, resumeFlags.stateFile)
	if err != nil {
		return err
	}
	st, err := globalSched.Load(id)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		fmt.Printf("Job %s already %s\n", id, st.Status)
		return nil
	}
	if pw := resumeFlags.resolvePassword(); pw != "" {
		st.Options.Password = pw
	}

	fmt.Printf("Resuming %s job %s at step %s...\n", st.Kind, st.JobID, st.Step)
	st, err = runJob(cmd, st, resumeFlags)
	if err != nil {
		return err
	}
	return reportJob(st)
}

var abortStateFile string

func newAbortCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort [JOB]",
		Short: "Cancel a job and discard its scratch data",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if globalSched == nil {
				return fmt.Errorf("scheduler not initialized")
			}
			id, err := jobIDFrom(args, abortStateFile)
			if err != nil {
				return err
			}
			st, err := globalSched.Abort(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is %s\n", st.JobID, st.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&abortStateFile, "state-file", "", "read the job ID from this state file")
	return cmd
}

// jobIDFrom takes the job ID from the first argument or, failing that, a
// state file.
func jobIDFrom(args []string, stateFile string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if stateFile == "" {
		return "", fmt.Errorf("a job ID or --state-file is required")
	}
	data, err := os.ReadFile(stateFile)
	if err != nil {
		return "", fmt.Errorf("reading state file: %w", err)
	}
	var st pipeline.State
	if err := json.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("parsing state file: %w", err)
	}
	if st.JobID == "" {
		return "", fmt.Errorf("state file %s has no job ID", stateFile)
	}
	return st.JobID, nil
}

// runJob invokes the job slice by slice until it finishes, fails, the
// slice limit is reached or the command is interrupted.
func runJob(cmd *cobra.Command, st pipeline.State, flags jobFlags) (pipeline.State, error) {
	ctx := cmd.Context()
	printer := newProgressPrinter(os.Stderr, quiet)
	defer printer.Finish()

	for slices := 0; !st.Status.Terminal(); slices++ {
		if flags.maxSlices > 0 && slices >= flags.maxSlices {
			printer.Finish()
			fmt.Printf("Stopped after %d slices at step %s; continue with: sitemove resume %s\n", slices, st.Step, st.JobID)
			return st, nil
		}
		next, err := globalSched.Invoke(ctx, st)
		globalTracker.Update(next)
		if werr := writeStateFile(flags.stateFile, next); werr != nil {
			logger.Warn("failed to write state file", "path", flags.stateFile, "error", werr)
		}
		if err != nil {
			printer.Finish()
			if ctx.Err() != nil {
				fmt.Printf("Interrupted at step %s; continue with: sitemove resume %s\n", next.Step, next.JobID)
			} else if !next.Status.Terminal() {
				fmt.Printf("Job %s stopped at step %s; fix the problem and run: sitemove resume %s\n", next.JobID, next.Step, next.JobID)
			}
			return next, err
		}
		if p, ok := globalTracker.Snapshot(next.JobID); ok {
			printer.Print(p)
		}
		st = next
	}
	return st, nil
}

// writeStateFile saves the state without its password, atomically.
func writeStateFile(path string, st pipeline.State) error {
	if path == "" {
		return nil
	}
	st.Options.Password = ""
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func reportJob(st pipeline.State) error {
	if st.Status != pipeline.StatusCompleted {
		return nil
	}
	p, _ := globalTracker.Snapshot(st.JobID)
	switch st.Kind {
	case pipeline.KindExport:
		fmt.Printf("Export complete:\n")
		fmt.Printf("  Archive: %s\n", filepath.Join(globalCfg.BackupsDir(), st.ArchiveName))
	case pipeline.KindImport:
		fmt.Printf("Import complete:\n")
		fmt.Printf("  Archive: %s\n", st.ArchiveName)
	}
	fmt.Printf("  Files: %d\n", st.Counters.FilesDone)
	fmt.Printf("  Size: %s\n", formatBytes(st.Counters.BytesDone))
	fmt.Printf("  Tables: %d (%d rows)\n", st.Counters.TablesDone, st.Counters.RowsDone)
	fmt.Printf("  Duration: %s\n", time.Since(p.StartTime).Round(time.Second))
	return nil
}

var (
	jobsStatus string
	jobsLimit  int
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Example: `  sitemove jobs
  sitemove jobs --status failed`,
		Args: cobra.NoArgs,
		RunE: jobsRun,
	}
	cmd.Flags().StringVar(&jobsStatus, "status", "", "only show jobs with this status")
	cmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to show")
	return cmd
}

func jobsRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	jobs, err := globalStore.ListJobs(jobsStatus, jobsLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-36s %-7s %-10s %-10s %-17s %s\n", "Job", "Kind", "Status", "Step", "Updated", "Notes")
	fmt.Println(strings.Repeat("-", 100))
	for _, j := range jobs {
		notes := j.ErrorCode
		if locked, l, err := globalLocker.IsLocked(j.ID); err == nil && locked {
			notes = strings.TrimSpace(notes + " locked by " + l.Owner)
		}
		fmt.Printf("%-36s %-7s %-10s %-10s %-17s %s\n",
			j.ID, j.Kind, j.Status, j.Step, j.UpdatedAt.Local().Format("2006-01-02 15:04"), notes)
	}
	return nil
}
