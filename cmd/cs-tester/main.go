package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/fatih/color"

	"github.com/osvaldoandrade/lambda-tester/internal/bundle"
	"github.com/osvaldoandrade/lambda-tester/internal/codeq"
	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/observability"
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/drivers"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
	"github.com/osvaldoandrade/lambda-tester/pkg/jsruntime"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

// errExpectationFailed marks a run that completed but did not pass.
var errExpectationFailed = errors.New("expectation failed")

var (
	stdout io.Writer = os.Stdout
	stdin  io.Reader = os.Stdin
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "init":
		err = handleInit(os.Args[2:])
	case "pack":
		err = handlePack(os.Args[2:])
	case "run":
		err = handleRun(os.Args[2:])
	case "reports":
		err = handleReports(os.Args[2:])
	case "watch":
		err = handleWatch(os.Args[2:])
	default:
		usage()
		err = fmt.Errorf("unknown command: %s", os.Args[1])
	}
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, errExpectationFailed) {
		os.Exit(3)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func usage() {
	fmt.Println("cs-tester <init|pack|run|reports|watch> ...")
}

const scaffoldHandler = `'use strict';

exports.handler = function(event, context, callback) {
  console.log('event', event);
  callback(null, { ok: true, requestId: context.awsRequestId });
};
`

const scaffoldManifest = `{
  "schema": "cs.tester.handler.v1",
  "entry": "function.js",
  "handler": "handler",
  "timeoutSeconds": 3,
  "env": { "STAGE": "local" },
  "eventSchema": "event.schema.json"
}
`

const scaffoldEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object"
}
`

func handleInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	var force bool
	fs.BoolVar(&force, "force", false, "Overwrite existing files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: cs-tester init <dir>")
	}
	dir := fs.Arg(0)
	files := map[string][]byte{
		"function.js":       []byte(scaffoldHandler),
		"manifest.json":     []byte(scaffoldManifest),
		"event.schema.json": []byte(scaffoldEventSchema),
	}
	if err := bundle.WriteDir(dir, files, force); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "initialized", dir)
	return nil
}

// handlePack writes the canonical tar of a handler directory and prints its
// sha256, for use with run --bundle.
func handlePack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	var path, out string
	fs.StringVar(&path, "path", ".", "Handler bundle directory")
	fs.StringVar(&out, "out", "bundle.tar", "Output tar")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files, err := bundle.ReadDir(path)
	if err != nil {
		return err
	}
	data, sum, size, err := bundle.BuildCanonical(files)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s sha256=%s size=%d\n", out, sum, size)
	return nil
}

// envFlag collects repeated KEY=VALUE flags.
type envFlag map[string]string

func (e envFlag) String() string {
	return fmt.Sprint(map[string]string(e))
}

func (e envFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	e[key] = value
	return nil
}

type runOptions struct {
	path          string
	bundlePath    string
	bundleSHA256  string
	env           map[string]string
	handler       string
	eventPath     string
	expect        string
	timeout       time.Duration
	noLeakCheck   bool
	expectJSON    string
	expectMessage string
	report        bool
	jsonOutput    bool
	configPath    string
	suite         string
	name          string
}

func handleRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	o := runOptions{env: map[string]string{}}
	fs.StringVar(&o.path, "path", ".", "Handler bundle directory")
	fs.StringVar(&o.bundlePath, "bundle", "", "Handler bundle tar (from pack), instead of --path")
	fs.StringVar(&o.bundleSHA256, "sha256", "", "Expected sha256 of --bundle")
	fs.Var(envFlag(o.env), "env", "process.env entry KEY=VALUE, repeatable")
	fs.StringVar(&o.handler, "handler", "", "Exported handler name (overrides manifest)")
	fs.StringVar(&o.eventPath, "event", "", "Path to event JSON, - for stdin")
	fs.StringVar(&o.expect, "expect", "result", "Expected completion: succeed|fail|error|result")
	fs.DurationVar(&o.timeout, "timeout", 0, "Handler timeout (overrides manifest and config)")
	fs.BoolVar(&o.noLeakCheck, "no-leak-check", false, "Disable resource leak detection")
	fs.StringVar(&o.expectJSON, "expect-json", "", "JSON the result must equal (succeed|result)")
	fs.StringVar(&o.expectMessage, "expect-message", "", "Error message the handler must report (fail|error)")
	fs.BoolVar(&o.report, "report", false, "Publish the report to the configured sinks")
	fs.BoolVar(&o.jsonOutput, "json", false, "Print the report as JSON")
	fs.StringVar(&o.configPath, "config", "", "Path to config YAML")
	fs.StringVar(&o.suite, "suite", report.DefaultSuite, "Suite name for the report")
	fs.StringVar(&o.name, "name", "", "Test name for the report")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return run(context.Background(), o)
}

func run(ctx context.Context, o runOptions) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger("cs-tester")
	defaults := cfg.TesterDefaults()
	defaults.Logger = logger
	lambdatester.SetDefaults(defaults)

	kind, err := lambdatester.ParseExpectationKind(o.expect)
	if err != nil {
		return err
	}
	verify, err := payloadVerifier(kind, o.expectJSON, o.expectMessage)
	if err != nil {
		return err
	}
	mod, err := loadModule(o)
	if err != nil {
		return err
	}
	tester, err := mod.Tester()
	if err != nil {
		return err
	}
	if o.eventPath != "" {
		event, err := readEvent(o.eventPath)
		if err != nil {
			return err
		}
		tester.Event(event)
	}
	if o.timeout > 0 {
		tester.Timeout(o.timeout)
	}
	if o.noLeakCheck {
		tester.LeakDetection(false)
	}

	var verifiers []func(any) error
	if verify != nil {
		verifiers = append(verifiers, verify)
	}
	rep := report.New(report.Meta{
		Suite:   o.suite,
		Name:    o.name,
		Handler: mod.Manifest().Entry + "." + mod.Manifest().Handler,
	}, tester.Expect(kind, verifiers...))

	if o.report {
		if err := publish(ctx, cfg, logger, rep); err != nil {
			return err
		}
	}
	printReport(rep, o.jsonOutput)
	if !rep.Passed {
		return errExpectationFailed
	}
	return nil
}

func loadModule(o runOptions) (*jsruntime.Module, error) {
	opts := []jsruntime.Option{jsruntime.WithHandler(o.handler), jsruntime.WithEnv(o.env)}
	if o.bundlePath == "" {
		return jsruntime.LoadDir(o.path, opts...)
	}
	data, err := os.ReadFile(o.bundlePath)
	if err != nil {
		return nil, err
	}
	if o.bundleSHA256 != "" && !bundle.VerifySHA256(data, o.bundleSHA256) {
		return nil, fmt.Errorf("%s: sha256 mismatch", o.bundlePath)
	}
	root, err := filepath.Abs(strings.TrimSuffix(o.bundlePath, filepath.Ext(o.bundlePath)))
	if err != nil {
		return nil, err
	}
	return jsruntime.LoadTar(data, root, opts...)
}

// payloadVerifier compares the settled payload with the flag value. Result
// kinds compare JSON, error kinds compare the message.
func payloadVerifier(kind lambdatester.ExpectationKind, expectJSON, expectMessage string) (func(any) error, error) {
	switch kind {
	case lambdatester.KindSucceed, lambdatester.KindResult:
		if expectMessage != "" {
			return nil, fmt.Errorf("--expect-message needs --expect fail or error")
		}
		if expectJSON == "" {
			return nil, nil
		}
		var want any
		if err := json.Unmarshal([]byte(expectJSON), &want); err != nil {
			return nil, fmt.Errorf("--expect-json: %w", err)
		}
		return func(payload any) error {
			got, err := normalizeJSON(payload)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(got, want) {
				gotRaw, _ := json.Marshal(got)
				return fmt.Errorf("result %s does not equal %s", gotRaw, expectJSON)
			}
			return nil
		}, nil
	default:
		if expectJSON != "" {
			return nil, fmt.Errorf("--expect-json needs --expect succeed or result")
		}
		if expectMessage == "" {
			return nil, nil
		}
		return func(payload any) error {
			err, _ := payload.(error)
			if err == nil || err.Error() != expectMessage {
				return fmt.Errorf("error %v does not equal %q", payload, expectMessage)
			}
			return nil
		}, nil
	}
}

func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readEvent(path string) (any, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var event any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("event: %w", err)
	}
	return event, nil
}

func publish(ctx context.Context, cfg config.Config, logger *observability.Logger, r report.Report) error {
	list, err := registry.NewSinks(cfg)
	if err != nil {
		return err
	}
	defer registry.CloseAll(list)
	return report.NewPublisher(logger, nil, asSinks(list)...).Publish(ctx, r)
}

func asSinks(list []sinks.Provider) []report.Sink {
	out := make([]report.Sink, 0, len(list))
	for _, s := range list {
		out = append(out, s)
	}
	return out
}

func printReport(r report.Report, asJSON bool) {
	if asJSON {
		raw, _ := json.MarshalIndent(r, "", "  ")
		fmt.Fprintln(stdout, string(raw))
		return
	}
	for _, line := range r.Logs {
		fmt.Fprintln(stdout, "  "+line)
	}
	if r.LogsTruncated {
		fmt.Fprintln(stdout, "  ... logs truncated")
	}
	if r.Passed {
		fmt.Fprintf(stdout, "%s expect=%s outcome=%s elapsed=%dms id=%s\n",
			color.New(color.FgGreen, color.Bold).Sprint("PASS"), r.Expect, r.Outcome, r.ElapsedMS, r.ID)
		return
	}
	fmt.Fprintf(stdout, "%s expect=%s outcome=%s elapsed=%dms id=%s\n",
		color.New(color.FgRed, color.Bold).Sprint("FAIL"), r.Expect, r.Outcome, r.ElapsedMS, r.ID)
	fmt.Fprintf(stdout, "  %s: %s\n", r.Code, color.RedString(r.Error))
	for _, leak := range r.Leaks {
		fmt.Fprintf(stdout, "  leaked %s #%d delay=%dms\n", leak.Kind, leak.ID, leak.DelayMS)
	}
	fmt.Fprintln(stdout, "  rerun:", shellescape.QuoteCommand(os.Args))
}

func handleReports(args []string) error {
	fs := flag.NewFlagSet("reports", flag.ContinueOnError)
	var configPath, suite, id string
	var limit int
	var asJSON bool
	fs.StringVar(&configPath, "config", "", "Path to config YAML")
	fs.StringVar(&suite, "suite", report.DefaultSuite, "Suite to list")
	fs.StringVar(&id, "id", "", "Show a single report")
	fs.IntVar(&limit, "limit", 20, "Maximum reports to list")
	fs.BoolVar(&asJSON, "json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	list, err := registry.NewSinks(cfg)
	if err != nil {
		return err
	}
	defer registry.CloseAll(list)
	reader, ok := report.NewPublisher(nil, nil, asSinks(list)...).Reader()
	if !ok {
		return errors.New("no configured sink can serve reports; enable badger or kvrocks")
	}
	ctx := context.Background()
	if id != "" {
		r, err := reader.GetReport(ctx, id)
		if err != nil {
			return err
		}
		printReport(r, true)
		return nil
	}
	reports, err := reader.ListReports(ctx, suite, limit)
	if err != nil {
		return err
	}
	for _, r := range reports {
		if asJSON {
			raw, _ := json.Marshal(r)
			fmt.Fprintln(stdout, string(raw))
			continue
		}
		status := color.GreenString("PASS")
		if !r.Passed {
			status = color.RedString("FAIL")
		}
		created := time.UnixMilli(r.CreatedAtMS).UTC().Format(time.RFC3339)
		fmt.Fprintf(stdout, "%s %s %s expect=%s outcome=%s %s\n", created, status, r.ID, r.Expect, r.Outcome, strings.TrimSpace(r.Name))
	}
	return nil
}

func handleWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var configPath, group string
	fs.StringVar(&configPath, "config", "", "Path to config YAML")
	fs.StringVar(&group, "group", "cs-tester-watch", "Consumer group")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	brokers := cfg.Plugins.Sinks.CodeQ.Brokers
	if len(brokers) == 0 {
		return errors.New("plugins.sinks.codeq.brokers is required")
	}
	k := codeq.NewKafka(brokers, codeq.Topics{Reports: cfg.Plugins.Sinks.CodeQ.Topics.Reports})
	defer k.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = k.ConsumeReports(ctx, group, func(_ codeq.Envelope, r report.Report) error {
		printReport(r, false)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
