package digidaq

import (
	"log"
	"os"
	"time"
)

// DefaultBasePort is the JSON-RPC port of daqserver. The status publisher
// listens one port above it.
const DefaultBasePort = 5600

// Portnumbers holds the TCP ports used by daqserver.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds the TCP ports used by daqserver.
var Ports Portnumbers

// SetPortnumbers assigns the RPC port base and the status port base+1.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is when the process started; the catalog records it per activity.
var StartTime time.Time

// ProblemLogger logs warnings and errors.
var ProblemLogger *log.Logger

// UpdateLogger logs progress and statistics.
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(DefaultBasePort)
	StartTime = time.Now()

	// The commands point these at rotating log files.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
