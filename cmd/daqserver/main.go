// Command daqserver controls digitizer acquisitions over JSON-RPC and
// publishes status and statistics on a ZMQ PUB socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/usnistgov/digidaq"
	"github.com/usnistgov/digidaq/internal/daqdb"
	"github.com/usnistgov/digidaq/internal/logfiles"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// setupViper says where to find the server settings file, creating an empty
// one if needed, and sets the defaults.
func setupViper(v *viper.Viper) error {
	v.SetDefault("port", digidaq.DefaultBasePort)
	v.SetDefault("catalog", "")

	dotDigidaq := filepath.Join("$HOME", ".digidaq")
	const filename string = "server"
	const suffix string = ".yaml"
	fullname, err := logfiles.MakeFileExist(dotDigidaq, filename+suffix)
	if err != nil {
		return err
	}
	v.SetConfigName(filename)
	v.AddConfigPath(filepath.FromSlash("/etc/digidaq"))
	v.AddConfigPath(filepath.Dir(fullname))
	v.AddConfigPath(".")
	v.SetEnvPrefix("DIGIDAQ")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ")
	digidaq.Build.Date = buildDate
	digidaq.Build.Githash = githash
	digidaq.Build.Gitdate = gitdate
	digidaq.Build.Summary = fmt.Sprintf("daqserver version %s (git commit %s of %s)", digidaq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		digidaq.Build.Host = host
	}

	printVersion := pflag.Bool("version", false, "print version and quit")
	pflag.Int("port", digidaq.DefaultBasePort, "JSON-RPC port; the status port is one higher")
	pflag.String("catalog", "", "ClickHouse address of the run catalog, e.g. localhost:9000")
	pflag.Parse()
	if *printVersion {
		fmt.Printf("This is daqserver version %s\n", digidaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		os.Exit(0)
	}

	logdir := filepath.Join("$HOME", ".digidaq", "logs")
	problems, problemname, err := logfiles.Start(logdir, "server-problems.log", nil)
	if err != nil {
		panic(err)
	}
	updates, logname, err := logfiles.Start(logdir, "server-updates.log", nil)
	if err != nil {
		panic(err)
	}
	digidaq.ProblemLogger = problems
	digidaq.UpdateLogger = updates
	banner := fmt.Sprintf("\nThis is daqserver version %s (git commit %s)\n", digidaq.Build.Version, githash)
	fmt.Print(banner)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	digidaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	v := viper.New()
	if err := setupViper(v); err != nil {
		panic(err)
	}
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		panic(err)
	}
	port := v.GetInt("port")
	digidaq.SetPortnumbers(port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	abort := make(chan struct{})
	var catalog digidaq.Catalog
	var db *daqdb.Connection
	if addr := v.GetString("catalog"); addr != "" {
		activity := &daqdb.ActivityMessage{
			ID:        digidaq.NewRunID(),
			Hostname:  digidaq.Build.Host,
			Githash:   githash,
			Version:   digidaq.Build.Version,
			GoVersion: runtime.Version(),
			Start:     digidaq.StartTime,
		}
		db = daqdb.Start(addr, activity, digidaq.ProblemLogger, abort)
		if db.IsConnected() {
			catalog = db
		}
	}

	updateChan := make(chan digidaq.ClientUpdate, 10)
	go func() {
		if err := digidaq.RunClientUpdater(updateChan, digidaq.Ports.Status); err != nil {
			digidaq.ProblemLogger.Printf("Client updater failed: %v", err)
			for range updateChan {
			}
		}
	}()
	control := digidaq.NewSessionControl(updateChan, catalog)
	if err := digidaq.RunRPCServer(ctx, control, digidaq.Ports.RPC); err != nil {
		digidaq.ProblemLogger.Printf("RPC server failed: %v", err)
	}
	close(abort)
	if db != nil {
		db.Wait()
	}
}
