package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/generate"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/printer"
	"github.com/funnyzak/rewind/internal/recorder"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/internal/storage"
	"github.com/funnyzak/rewind/pkg/exchange"
)

// session is the offline view of the store used by data subcommands.
type session struct {
	cfg     *config.Config
	log     logger.Logger
	rec     *recorder.Recorder
	engine  *replay.Engine
	printer printer.Printer
}

func (s *session) Close() {
	s.engine.Close()
	if err := s.rec.Close(); err != nil {
		s.log.Warn("Failed to close storage", "error", err)
	}
}

// openSession loads the configured store. With --input, an export file is
// loaded into memory instead.
func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(&cfg.Log, cfg.Output.Mode, os.Stderr)

	input, _ := cmd.Flags().GetString("input")
	var backend storage.Backend
	if input != "" {
		backend = storage.NewMemory(storage.OptionsFromConfig(&cfg.Storage))
	} else {
		if cfg.Storage.Driver == "memory" {
			log.Warn("Memory storage is empty outside the server process; use --input or a file/sqlite driver")
		}
		if backend, err = storage.New(&cfg.Storage, log); err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
	}

	rec := recorder.New(backend, recorder.OptionsFromConfig(&cfg.Recorder), log, nil)
	if input != "" {
		f, err := os.Open(input)
		if err != nil {
			rec.Close()
			return nil, err
		}
		defer f.Close()
		report, err := rec.Import(f)
		if err != nil {
			rec.Close()
			return nil, fmt.Errorf("failed to load %s: %w", input, err)
		}
		log.Debug("Loaded export", "file", input, "imported", report.Imported, "skipped", report.Skipped)
	}

	return &session{
		cfg:     cfg,
		log:     log,
		rec:     rec,
		engine:  replay.New(rec, replay.OptionsFromConfig(&cfg.Replay, cfg.Recorder.RedactionToken), log),
		printer: printer.New(cfg.Output.Mode, log, &cfg.Output),
	}, nil
}

func withSession(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		return run(cmd, args, s)
	}
}

func newDataCommands() []*cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded exchanges, newest first",
		Args:  cobra.NoArgs,
		RunE:  withSession(runList),
	}
	listCmd.Flags().String("method", "", "Only this HTTP method")
	listCmd.Flags().String("contains", "", "Only paths containing this text")
	listCmd.Flags().Int("status", 0, "Only this response status")
	listCmd.Flags().Duration("slower-than", 0, "Only exchanges slower than this")
	listCmd.Flags().IntP("limit", "n", 50, "Maximum number of exchanges")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a recorded exchange",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runShow),
	}

	replayCmd := &cobra.Command{
		Use:   "replay [id...]",
		Short: "Replay recorded exchanges against a target",
		RunE:  withSession(runReplay),
	}
	addReplayFlags(replayCmd)
	replayCmd.Flags().Bool("all", false, "Replay every recorded exchange, oldest first")
	replayCmd.Flags().Int("concurrency", 0, "Maximum replays in flight")
	replayCmd.Flags().Bool("compare", false, "Compare each replay with its recording")

	diffCmd := &cobra.Command{
		Use:   "diff <id>",
		Short: "Replay an exchange and compare the response with the recording",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runDiff),
	}
	addReplayFlags(diffCmd)
	diffCmd.Flags().StringSlice("ignore-header", nil, "Extra response headers to ignore")
	diffCmd.Flags().Bool("strict", false, "Also compare volatile headers such as Date")
	diffCmd.Flags().Bool("fail", false, "Exit non-zero when the responses differ")

	curlCmd := &cobra.Command{
		Use:   "curl <id>",
		Short: "Print a curl command that reproduces an exchange",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runCurl),
	}
	curlCmd.Flags().String("target", "", "Base URL for the command")
	curlCmd.Flags().Bool("include-credentials", false, "Keep credential headers")
	curlCmd.Flags().Bool("go", false, "Print a Go test function instead")

	generateCmd := &cobra.Command{
		Use:   "generate [id...]",
		Short: "Generate tests or collections from recorded exchanges",
		RunE:  withSession(runGenerate),
	}
	generateCmd.Flags().StringP("format", "f", "", "go-test, go-testify, postman or har")
	generateCmd.Flags().String("naming", "", "Test naming: sequential, descriptive or outcome")
	generateCmd.Flags().String("base-url", "", "Base URL baked into the artifact")
	generateCmd.Flags().String("package", "", "Go package name")
	generateCmd.Flags().StringSlice("assert-field", nil, "JSON path to assert instead of the whole body")
	generateCmd.Flags().String("out", "", "Output file (default: the artifact name, - for stdout)")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded exchanges",
		Args:  cobra.NoArgs,
		RunE:  withSession(runExport),
	}
	exportCmd.Flags().StringP("format", "f", "json", "json or yaml")
	exportCmd.Flags().String("out", "-", "Output file")

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import exchanges from an export file into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE:  withSession(runImport),
	}

	cmds := []*cobra.Command{listCmd, showCmd, replayCmd, diffCmd, curlCmd, generateCmd, exportCmd, importCmd}
	for _, c := range cmds {
		if c != importCmd {
			c.Flags().String("input", "", "Read exchanges from an export file instead of the store")
		}
	}
	return cmds
}

func addReplayFlags(cmd *cobra.Command) {
	cmd.Flags().String("target", "", "Replay target base URL")
	cmd.Flags().Bool("mock", false, "Answer from the recording instead of sending")
	cmd.Flags().Duration("timeout", 0, "Per-request timeout")
	cmd.Flags().Bool("include-credentials", false, "Send credential headers")
	cmd.Flags().StringToString("header", nil, "Override request headers (empty value removes)")
}

func replayOverrides(cmd *cobra.Command) replay.Overrides {
	var ov replay.Overrides
	ov.Target, _ = cmd.Flags().GetString("target")
	ov.Mock, _ = cmd.Flags().GetBool("mock")
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		ov.TimeoutMs = int(timeout / time.Millisecond)
	}
	if cmd.Flags().Changed("include-credentials") {
		include, _ := cmd.Flags().GetBool("include-credentials")
		ov.IncludeCredentials = &include
	}
	ov.Headers, _ = cmd.Flags().GetStringToString("header")
	return ov
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runList(cmd *cobra.Command, args []string, s *session) error {
	q := recorder.Query{}
	q.Method, _ = cmd.Flags().GetString("method")
	q.PathContains, _ = cmd.Flags().GetString("contains")
	q.Status, _ = cmd.Flags().GetInt("status")
	q.MinDuration, _ = cmd.Flags().GetDuration("slower-than")
	q.Limit, _ = cmd.Flags().GetInt("limit")

	var (
		entries []*exchange.Entry
		err     error
	)
	if q == (recorder.Query{Limit: q.Limit}) {
		entries, err = s.rec.GetRecent(q.Limit)
	} else {
		entries, err = s.rec.Filter(q)
	}
	if err != nil {
		return err
	}
	return s.printer.PrintEntries(entries)
}

func runShow(cmd *cobra.Command, args []string, s *session) error {
	entry, err := s.rec.Get(args[0])
	if err != nil {
		return err
	}
	return s.printer.PrintEntry(entry)
}

func runReplay(cmd *cobra.Command, args []string, s *session) error {
	all, _ := cmd.Flags().GetBool("all")
	ids := args
	if all {
		entries, err := s.rec.GetAll()
		if err != nil {
			return err
		}
		ids = make([]string, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			ids = append(ids, entries[i].ID())
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("no exchanges to replay; pass ids or --all")
	}

	ctx, cancel := signalContext()
	defer cancel()

	concurrency, _ := cmd.Flags().GetInt("concurrency")
	withCompare, _ := cmd.Flags().GetBool("compare")
	results := s.engine.ReplayMany(ctx, ids, replayOverrides(cmd), concurrency)

	failed := 0
	for _, res := range results {
		if err := s.printer.PrintResult(res); err != nil {
			return err
		}
		if !res.OK() {
			failed++
			continue
		}
		if withCompare && res.Original != nil {
			report := compare.CompareWith(res.Original.Response, res.Response, compare.Options{IgnoreHeaders: compare.VolatileHeaders})
			if err := s.printer.PrintReport(report); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replays failed", failed, len(results))
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string, s *session) error {
	ctx, cancel := signalContext()
	defer cancel()

	res, err := s.engine.Replay(ctx, args[0], replayOverrides(cmd))
	if err != nil {
		return err
	}
	if err := s.printer.PrintResult(res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("replay failed: %s", res.Error)
	}

	ignore, _ := cmd.Flags().GetStringSlice("ignore-header")
	if strict, _ := cmd.Flags().GetBool("strict"); !strict {
		ignore = append(ignore, compare.VolatileHeaders...)
	}
	report := compare.CompareWith(res.Original.Response, res.Response, compare.Options{IgnoreHeaders: ignore})
	if err := s.printer.PrintReport(report); err != nil {
		return err
	}
	if fail, _ := cmd.Flags().GetBool("fail"); fail && !report.Identical {
		return fmt.Errorf("responses differ: %s", report.Summary)
	}
	return nil
}

func runCurl(cmd *cobra.Command, args []string, s *session) error {
	target, _ := cmd.Flags().GetString("target")
	creds, _ := cmd.Flags().GetBool("include-credentials")

	var (
		out string
		err error
	)
	if asGo, _ := cmd.Flags().GetBool("go"); asGo {
		out, err = s.engine.Snippet(args[0], replay.SnippetOptions{Target: target, IncludeCredentials: creds})
	} else {
		out, err = s.engine.Curl(args[0], replay.CurlOptions{Target: target, IncludeCredentials: creds})
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func runGenerate(cmd *cobra.Command, args []string, s *session) error {
	formatName, _ := cmd.Flags().GetString("format")
	if formatName == "" {
		formatName = s.cfg.Generate.Format
	}
	format, err := generate.ParseFormat(formatName)
	if err != nil {
		return err
	}

	entries, err := selectEntries(s.rec, args)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no recorded exchanges to generate from")
	}

	opts := generate.OptionsFromConfig(&s.cfg.Generate, s.cfg.Recorder.RedactionToken)
	if v, _ := cmd.Flags().GetString("naming"); v != "" {
		opts.Naming = v
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		opts.BaseURL = v
	}
	if v, _ := cmd.Flags().GetString("package"); v != "" {
		opts.PackageName = v
	}
	if v, _ := cmd.Flags().GetStringSlice("assert-field"); len(v) > 0 {
		opts.AssertFields = v
	}
	opts.Now = time.Now()

	artifact, err := generate.Generate(entries, format, opts)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = artifact.Filename
	}
	if err := writeOutput(cmd, out, func(w io.Writer) error {
		_, err := io.WriteString(w, artifact.Content)
		return err
	}); err != nil {
		return err
	}
	s.log.Info("Artifact generated", "format", string(format), "tests", artifact.Metadata.TestCount, "file", out)
	return nil
}

// selectEntries resolves ids in order; no ids selects every entry, oldest first.
func selectEntries(rec *recorder.Recorder, ids []string) ([]*exchange.Entry, error) {
	if len(ids) == 0 {
		all, err := rec.GetAll()
		if err != nil {
			return nil, err
		}
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		return all, nil
	}
	entries := make([]*exchange.Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := rec.Get(id)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func runExport(cmd *cobra.Command, args []string, s *session) error {
	format, _ := cmd.Flags().GetString("format")
	out, _ := cmd.Flags().GetString("out")
	return writeOutput(cmd, out, func(w io.Writer) error {
		return s.rec.Export(w, format)
	})
}

func runImport(cmd *cobra.Command, args []string, s *session) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	report, err := s.rec.Import(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d exchange(s), skipped %d\n", report.Imported, report.Skipped)
	for _, msg := range report.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", msg)
	}
	return nil
}

// writeOutput writes to path, or stdout when path is "-".
func writeOutput(cmd *cobra.Command, path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
