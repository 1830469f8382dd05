/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// nvmftest drives NVMe over Fabrics loop tests from the command line. It can generate
// target configurations, inspect the controller topology of the local host, run an I/O
// workload against a freshly built loop test bed, and print the job journal of a run.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/alecthomas/kingpin.v2"

	nvmftests "github.com/nvmf-harness/nvmftests"
	"github.com/nvmf-harness/nvmftests/config"
	"github.com/nvmf-harness/nvmftests/pkg/events"
	"github.com/nvmf-harness/nvmftests/pkg/job"
	"github.com/nvmf-harness/nvmftests/pkg/logging"
	"github.com/nvmf-harness/nvmftests/pkg/metrics"
	"github.com/nvmf-harness/nvmftests/pkg/resultstore"
	"github.com/nvmf-harness/nvmftests/pkg/simplewal"
	"github.com/nvmf-harness/nvmftests/pkg/sysfs"
	"github.com/nvmf-harness/nvmftests/pkg/target"
	"github.com/nvmf-harness/nvmftests/pkg/topology"
	"github.com/nvmf-harness/nvmftests/profiling"
)

const (
	cmdDiscover  = "discover"
	cmdGenConfig = "gen-config"
	cmdRun       = "run"
	cmdJournal   = "journal"
)

var (
	allModes = []string{"parallel", "sequential", "random"}
	allIOs   = []string{"dd-read", "dd-write", "fio"}
)

type arguments struct {
	command  string
	logLevel logging.LogLevel

	// discover
	devDir       string
	sysfsCtlRoot string
	nqn          string
	settle       time.Duration

	// gen-config
	subsystems int
	namespaces int
	devices    []string
	output     string
	nguids     bool

	// run
	configFile    string
	mode          string
	io            string
	mkfs          bool
	journalDir    string
	resultsDir    string
	metricsListen string
	cpuProfile    string
	cpuInterval   time.Duration
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("nvmftest", "NVMe over Fabrics loop test harness.")
	logLevel := app.Flag("logLevel", "Minimum level of log output.").Default("info").Enum("debug", "info", "warn", "error")

	discover := app.Command(cmdDiscover, "Print the newest fabrics controller and its namespaces.")
	devDir := discover.Flag("devDir", "Device directory to scan.").Default("/dev").String()
	sysfsCtlRoot := discover.Flag("sysfsCtlRoot", "Fabrics controller class in sysfs.").Default("/sys/class/nvme-fabrics/ctl").String()
	nqn := discover.Flag("nqn", "Validate the topology against this subsystem NQN.").String()
	settle := discover.Flag("settle", "Wait before looking up namespaces.").Default(topology.DefaultSettle.String()).Duration()

	genConfig := app.Command(cmdGenConfig, "Generate a loop target configuration.")
	subsystems := genConfig.Flag("subsystems", "Number of target subsystems.").Default("1").Int()
	namespaces := genConfig.Flag("namespaces", "Number of namespaces per subsystem.").Default("1").Int()
	devices := genConfig.Flag("device", "Backing block device, assigned round robin (repeatable).").Required().Strings()
	output := genConfig.Flag("output", "Target configuration file to write.").Default("loop.json").String()
	nguids := genConfig.Flag("nguids", "Assign random namespace NGUIDs.").Default("false").Bool()

	run := app.Command(cmdRun, "Build a loop test bed, run one workload on every namespace and tear it down.")
	configFile := run.Flag("config", "YAML or JSON run configuration (defaults are used if unset).").String()
	mode := run.Flag("mode", "How namespaces are traversed.").Default("parallel").Enum(allModes...)
	ioKind := run.Flag("io", "Workload to run.").Default("dd-read").Enum(allIOs...)
	mkfs := run.Flag("mkfs", "Create an ext4 filesystem on every namespace and run fio on it.").Default("false").Bool()
	journalDir := run.Flag("journal", "Directory of the job journal.").String()
	resultsDir := run.Flag("results", "Directory of the job result store (in memory if unset).").String()
	metricsListen := run.Flag("metricsListen", "Address to serve prometheus metrics on.").String()
	cpuProfile := run.Flag("cpuprofile", "Write a CPU profile of the run to this file.").String()
	cpuInterval := run.Flag("cpuInterval", "CPU usage sampling interval.").Default("1s").Duration()

	journal := app.Command(cmdJournal, "Print the job journal of a run.")
	journalShowDir := journal.Arg("dir", "Directory of the job journal.").Required().String()

	command, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	a := &arguments{
		command:  command,
		logLevel: logging.ParseLevel(*logLevel),
	}

	switch command {
	case cmdDiscover:
		a.devDir, a.sysfsCtlRoot, a.nqn, a.settle = *devDir, *sysfsCtlRoot, *nqn, *settle
	case cmdGenConfig:
		if *subsystems < 1 || *namespaces < 1 {
			return nil, errors.Errorf("need at least one subsystem and namespace")
		}
		a.subsystems, a.namespaces, a.devices, a.output, a.nguids = *subsystems, *namespaces, *devices, *output, *nguids
	case cmdRun:
		if *mkfs && *ioKind != "fio" {
			return nil, errors.Errorf("--mkfs runs fio, cannot combine with --io=%s", *ioKind)
		}
		a.configFile, a.mode, a.io, a.mkfs = *configFile, *mode, *ioKind, *mkfs
		a.journalDir, a.resultsDir, a.metricsListen = *journalDir, *resultsDir, *metricsListen
		a.cpuProfile, a.cpuInterval = *cpuProfile, *cpuInterval
	case cmdJournal:
		a.journalDir = *journalShowDir
	}

	return a, nil
}

func (a *arguments) zerolog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(logging.ZerologLevel(a.logLevel)).
		With().Timestamp().Logger()
}

func (a *arguments) execute(ctx context.Context, output io.Writer) error {
	zl := a.zerolog()
	logger := logging.Synchronize(logging.NewZerolog(zl, a.logLevel))

	switch a.command {
	case cmdDiscover:
		return a.discover(output, logger)
	case cmdGenConfig:
		return a.genConfig(output)
	case cmdRun:
		return a.run(ctx, output, zl, logger)
	case cmdJournal:
		return a.showJournal(output)
	}
	return errors.Errorf("unknown command %s", a.command)
}

func (a *arguments) discover(output io.Writer, logger logging.Logger) error {
	r := topology.NewResolver(topology.Config{
		Devices: topology.NewOSDeviceDir(a.devDir),
		Attrs:   sysfs.NewOSTree(a.sysfsCtlRoot),
		Settle:  a.settle,
		Logger:  logger,
	})

	ctrl, err := r.DiscoverController()
	if err != nil {
		return err
	}
	namespaces, err := r.DiscoverNamespaces(ctrl)
	if err != nil {
		return err
	}

	fmt.Fprintf(output, "%s\n", ctrl)
	for _, ns := range namespaces {
		fmt.Fprintf(output, "  %s\n", ns)
	}

	if a.nqn == "" {
		return nil
	}
	return r.ValidateTopology(a.nqn, ctrl, namespaces)
}

func (a *arguments) genConfig(output io.Writer) error {
	cfg, err := target.GenerateConfig(a.subsystems, a.namespaces, a.devices)
	if err != nil {
		return err
	}
	if a.nguids {
		cfg.AssignNGUIDs()
	}
	if err := target.WriteConfig(a.output, cfg); err != nil {
		return err
	}
	fmt.Fprintf(output, "Wrote %d subsystems to %s\n", len(cfg.Subsystems), a.output)
	return nil
}

func (a *arguments) run(ctx context.Context, output io.Writer, zl zerolog.Logger, logger logging.Logger) error {
	cfg := config.Default()
	if a.configFile != "" {
		var err error
		if cfg, err = config.Load(a.configFile); err != nil {
			return err
		}
	}
	if a.journalDir != "" {
		cfg.JournalDir = a.journalDir
	}
	if a.resultsDir != "" {
		cfg.ResultsDir = a.resultsDir
	}

	reg := prometheus.NewRegistry()
	jobs, err := metrics.New(reg)
	if err != nil {
		return err
	}
	cpu, err := metrics.NewCPU(reg)
	if err != nil {
		return err
	}
	interceptors := []events.Interceptor{jobs}

	results, err := resultstore.Open(cfg.ResultsDir)
	if err != nil {
		return err
	}
	defer results.Close()
	interceptors = append(interceptors, results)

	if cfg.JournalDir != "" {
		journal, err := simplewal.Open(cfg.JournalDir)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Sync(); err != nil {
				zl.Error().Err(err).Msg("Could not sync journal.")
			}
			journal.Close()
		}()
		interceptors = append(interceptors, journal)
	}

	if a.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: a.metricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("Metrics server failed.")
			}
		}()
		defer srv.Close()
	}

	if a.cpuProfile != "" {
		p := profiling.New(zl)
		if err := p.Start("cpu", a.cpuProfile, 0); err != nil {
			return err
		}
		defer p.Stop()
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go profiling.MonitorCPU(monitorCtx, profiling.ProcStat, a.cpuInterval, zl, func(u profiling.CPUUsage) {
		cpu.Set("load", u.Load)
		cpu.Set("system", u.System)
		cpu.Set("iowait", u.IOWait)
	})

	return a.runHarness(ctx, output, nvmftests.Options{
		Config:      cfg,
		Logger:      logger,
		Interceptor: events.Multi(interceptors...),
	}, results)
}

// runHarness builds the test bed, runs the workload, tears the test bed down and reports
// every failed job. Any failed job fails the run, even one only noticed during teardown.
func (a *arguments) runHarness(ctx context.Context, output io.Writer, opts nvmftests.Options, results *resultstore.Store) error {
	h, err := nvmftests.New(opts)
	if err != nil {
		return err
	}
	if err := h.Setup(ctx); err != nil {
		return err
	}
	ok := a.workload(ctx, h)
	if !h.Teardown(ctx) {
		logging.OrNil(opts.Logger).Log(logging.LevelWarn, "Teardown was not clean.")
	}

	failed, err := results.Failed()
	if err != nil {
		return err
	}
	for _, e := range failed {
		fmt.Fprintf(output, "FAILED %s job %d (%s): %s\n", e.Device, e.Seq, e.Kind, e.Err)
	}
	if !ok || len(failed) > 0 {
		return errors.Errorf("run %s failed, %d failed jobs", h.RunID, len(failed))
	}
	fmt.Fprintf(output, "run %s passed\n", h.RunID)
	return nil
}

func (a *arguments) workload(ctx context.Context, h *nvmftests.Harness) bool {
	if a.mkfs {
		return h.Host.MkfsSeq(ctx, "ext4") &&
			h.Host.RunFSIOs(ctx, h.FioRandRead()) &&
			h.Host.WaitParallel(ctx)
	}

	var template job.Job
	switch a.io {
	case "dd-write":
		template = h.DdWrite()
	case "fio":
		template = h.FioRandRead()
	default:
		template = h.DdRead()
	}

	switch a.mode {
	case "sequential":
		return h.Host.RunSequential(ctx, template)
	case "random":
		return h.Host.RunRandom(ctx, template)
	default:
		return h.Host.RunIOsParallel(ctx, template)
	}
}

func (a *arguments) showJournal(output io.Writer) error {
	journal, err := simplewal.Open(a.journalDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	return journal.LoadAll(func(index uint64, e *events.Event) {
		fmt.Fprintf(output, "%6d %s %-14s #%-4d %-4s %-9s", index, e.Time.Format(time.RFC3339Nano), e.Device, e.Seq, e.Kind, e.Phase)
		if e.Phase == events.Finished {
			fmt.Fprintf(output, " %v", e.Duration)
		}
		if e.Err != "" {
			fmt.Fprintf(output, " err=%q", e.Err)
		}
		fmt.Fprintln(output)
	})
}

func main() {
	kingpin.Version("0.0.1")
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = args.execute(ctx, os.Stdout)
	if err != nil {
		fmt.Println("")
		kingpin.Fatalf("%s", err)
	}
}
