// Command digidaq configures a digitizer, acquires events, and writes them
// to size-rotated .drb files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/digidaq"
	"github.com/usnistgov/digidaq/digitizer"
	"github.com/usnistgov/digidaq/internal/daqdb"
	"github.com/usnistgov/digidaq/internal/logfiles"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// Exit codes
const (
	exitOK      = 0
	exitFatal   = 1
	exitUsage   = 2
	exitVersion = 0
)

type options struct {
	Address     string
	ConfigFile  string
	OutFile     string
	Temperature bool
	NEvents     int
	Duration    time.Duration
	Catalog     string
	Verbose     bool
	Version     bool
}

// parseOptions reads the command line, with DIGIDAQ_<FLAG> environment
// variables as fallbacks.
func parseOptions(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet("digidaq", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringP("dig_address", "a", "", "digitizer address, e.g. sim://digitizer?numch=8")
	fs.StringP("config_file", "c", "", "acquisition configuration file (YAML)")
	fs.StringP("out_file", "o", "", "output base name; omit to acquire without saving")
	fs.BoolP("temperature", "t", false, "log board temperatures with every event")
	fs.IntP("n_events", "n", 0, "stop after this many events (0 = no limit)")
	fs.Float64P("duration", "d", 0, "stop after this many seconds (0 = no limit)")
	fs.String("catalog", "", "ClickHouse address of the run catalog, e.g. localhost:9000")
	fs.Bool("verbose", false, "log the resolved channel plan and extra diagnostics")
	fs.Bool("version", false, "print version and quit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: digidaq -a ADDRESS -c CONFIG [-o OUTBASE] [options]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("DIGIDAQ")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	opt := &options{
		Address:     v.GetString("dig_address"),
		ConfigFile:  v.GetString("config_file"),
		OutFile:     v.GetString("out_file"),
		Temperature: v.GetBool("temperature"),
		NEvents:     v.GetInt("n_events"),
		Duration:    time.Duration(v.GetFloat64("duration") * float64(time.Second)),
		Catalog:     v.GetString("catalog"),
		Verbose:     v.GetBool("verbose"),
		Version:     v.GetBool("version"),
	}
	if opt.Version {
		return opt, nil
	}
	switch {
	case opt.Address == "":
		return nil, errors.New("a digitizer address (-a) is required")
	case opt.ConfigFile == "":
		return nil, errors.New("a configuration file (-c) is required")
	case opt.NEvents < 0:
		return nil, fmt.Errorf("n_events=%d must not be negative", opt.NEvents)
	case opt.Duration < 0:
		return nil, fmt.Errorf("duration=%v must not be negative", opt.Duration)
	}
	return opt, nil
}

func setBuildInfo() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	digidaq.Build.Date = buildDate
	digidaq.Build.Githash = githash
	digidaq.Build.Gitdate = gitdate
	digidaq.Build.Summary = fmt.Sprintf("digidaq version %s (git commit %s of %s)", digidaq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		digidaq.Build.Host = host
	} else {
		digidaq.Build.Host = "host not detected"
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	setBuildInfo()
	opt, err := parseOptions(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "digidaq: %v\n", err)
		return exitUsage
	}
	if opt.Version {
		fmt.Printf("This is digidaq version %s\n", digidaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Digitizer drivers: %s\n", strings.Join(digitizer.Schemes(), ", "))
		return exitVersion
	}

	// Log problems and updates to 2 rotating files, mirrored to the terminal.
	logdir := filepath.Join("$HOME", ".digidaq", "logs")
	problems, problemname, err := logfiles.Start(logdir, "problems.log", os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "digidaq: %v\n", err)
		return exitFatal
	}
	updates, logname, err := logfiles.Start(logdir, "updates.log", os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "digidaq: %v\n", err)
		return exitFatal
	}
	digidaq.ProblemLogger = problems
	digidaq.UpdateLogger = updates
	digidaq.UpdateLogger.Printf("%s. Logging problems to %s, updates to %s", digidaq.Build.Summary, problemname, logname)

	config, err := digidaq.LoadConfig(opt.ConfigFile)
	if err != nil {
		digidaq.ProblemLogger.Printf("%v", err)
		return exitUsage
	}
	dev, err := digitizer.Open(opt.Address)
	if err != nil {
		digidaq.ProblemLogger.Printf("Could not open digitizer: %v", err)
		return exitFatal
	}

	acq := digidaq.NewAcquisition(dev, digidaq.RunOptions{
		Address:      opt.Address,
		Config:       config,
		OutputBase:   opt.OutFile,
		Temperature:  opt.Temperature,
		TargetEvents: opt.NEvents,
		MaxDuration:  opt.Duration,
		Verbose:      opt.Verbose,
	})

	abort := make(chan struct{})
	var db *daqdb.Connection
	defer func() {
		close(abort)
		if db != nil {
			db.Wait()
		}
	}()
	if opt.Catalog != "" {
		activity := &daqdb.ActivityMessage{
			ID:        digidaq.NewRunID(),
			Hostname:  digidaq.Build.Host,
			Githash:   githash,
			Version:   digidaq.Build.Version,
			GoVersion: runtime.Version(),
			Start:     digidaq.StartTime,
		}
		db = daqdb.Start(opt.Catalog, activity, digidaq.ProblemLogger, abort)
		if db.IsConnected() {
			acq.SetCatalog(db)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := acq.Run(ctx); err != nil {
		digidaq.ProblemLogger.Printf("digidaq: %v", err)
		var cerr *digidaq.ConfigError
		if errors.As(err, &cerr) {
			return exitUsage
		}
		return exitFatal
	}
	for _, f := range acq.Files() {
		digidaq.UpdateLogger.Printf("Wrote %s", f)
	}
	return exitOK
}
