package digidaq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/usnistgov/digidaq/digitizer"
	"github.com/usnistgov/digidaq/internal/unboundedchan"
)

// SessionControl is the RPC service that starts and stops acquisitions.
// At most one acquisition runs at a time.
type SessionControl struct {
	mu        sync.Mutex
	acq       *Acquisition
	cancel    context.CancelFunc
	done      chan struct{}
	status    ServerStatus
	updates   chan<- ClientUpdate
	catalog   Catalog
	open      digitizer.Opener
	heartbeat time.Duration
}

// ServerStatus is the status that SessionControl reports to clients.
type ServerStatus struct {
	Running    bool
	State      string
	RunID      string
	Address    string
	ConfigFile string
	OutFile    string
	Events     uint64
	Files      []string
	StopReason string
	LastError  string
}

// StartArgs are the arguments of SessionControl.Start. They mirror the
// digidaq command-line flags.
type StartArgs struct {
	Address     string
	ConfigFile  string
	OutFile     string
	Temperature bool
	NEvents     int
	DurationSec float64
	Verbose     bool
}

// NewSessionControl creates a SessionControl that publishes on updates
// (which may be nil) and reports runs to catalog (which may be nil).
func NewSessionControl(updates chan<- ClientUpdate, catalog Catalog) *SessionControl {
	return &SessionControl{
		updates:   updates,
		catalog:   catalog,
		open:      digitizer.Open,
		heartbeat: 2 * time.Second,
		status:    ServerStatus{State: Idle.String()},
	}
}

func (s *SessionControl) broadcast(tag string, state any) {
	if s.updates != nil {
		s.updates <- ClientUpdate{Tag: tag, State: state}
	}
}

// snapshot returns a copy of the status, with live counters filled in.
// Must be called with the lock held.
func (s *SessionControl) snapshot() ServerStatus {
	st := s.status
	if s.acq != nil && s.status.Running {
		st.State = s.acq.State().String()
		st.Events = s.acq.Events()
	}
	st.Files = append([]string(nil), s.status.Files...)
	return st
}

func (s *SessionControl) broadcastStatus() {
	s.mu.Lock()
	st := s.snapshot()
	s.mu.Unlock()
	s.broadcast("STATUS", st)
}

// Start begins an acquisition in the background. It fails with
// ErrSessionActive if one is already running, and with a *ConfigError
// before touching the device if the configuration is bad.
func (s *SessionControl) Start(args *StartArgs, reply *bool) error {
	*reply = false
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Running {
		return ErrSessionActive
	}
	config, err := LoadConfig(args.ConfigFile)
	if err != nil {
		return err
	}
	dev, err := s.open(args.Address)
	if err != nil {
		return fmt.Errorf("opening digitizer %q: %w", args.Address, err)
	}
	acq := NewAcquisition(dev, RunOptions{
		Address:      args.Address,
		Config:       config,
		OutputBase:   args.OutFile,
		Temperature:  args.Temperature,
		TargetEvents: args.NEvents,
		MaxDuration:  time.Duration(args.DurationSec * float64(time.Second)),
		Verbose:      args.Verbose,
	})
	if s.catalog != nil {
		acq.SetCatalog(s.catalog)
	}
	stats := unboundedchan.New[*StatsSnapshot]()
	acq.SetStatsQueue(stats)

	ctx, cancel := context.WithCancel(context.Background())
	s.acq = acq
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = ServerStatus{
		Running:    true,
		State:      Configuring.String(),
		Address:    args.Address,
		ConfigFile: args.ConfigFile,
		OutFile:    args.OutFile,
	}
	UpdateLogger.Printf("Starting acquisition on %s with %s", args.Address, args.ConfigFile)

	go func() {
		for snap := range stats.Out() {
			s.broadcast("STATS", snap)
		}
	}()
	go s.run(ctx, acq, stats, s.done)
	*reply = true
	return nil
}

func (s *SessionControl) run(ctx context.Context, acq *Acquisition, stats *unboundedchan.Queue[*StatsSnapshot], done chan struct{}) {
	err := acq.Run(ctx)
	stats.Close()

	s.mu.Lock()
	s.cancel()
	s.status.Running = false
	s.status.State = acq.State().String()
	s.status.Events = acq.Events()
	s.status.Files = acq.Files()
	s.status.StopReason = string(acq.StopReason())
	if acq.session != nil {
		s.status.RunID = acq.session.RunID
	}
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
		ProblemLogger.Printf("Acquisition ended with error: %v", err)
	}
	close(done)
	s.mu.Unlock()
	s.broadcastStatus()
}

// Stop asks the running acquisition to finish. It returns once the final
// flush is done and the device released.
func (s *SessionControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	if !s.status.Running {
		s.mu.Unlock()
		*reply = false
		return errors.New("no acquisition is running")
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	UpdateLogger.Printf("Stopping acquisition")
	cancel()
	<-done
	*reply = true
	return nil
}

// Status reports the current or most recent acquisition.
func (s *SessionControl) Status(dummy *string, reply *ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = s.snapshot()
	return nil
}

// Wait blocks until the current acquisition, if any, has finished.
func (s *SessionControl) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// SendAllStatus causes a broadcast to clients of the current status.
func (s *SessionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	*reply = true
	return nil
}

// RunRPCServer serves s over JSON-RPC on portrpc until ctx is done, then
// stops any running acquisition.
func RunRPCServer(ctx context.Context, s *SessionControl, portrpc int) error {
	server := rpc.NewServer()
	if err := server.Register(s); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	return serveRPC(ctx, server, listener, s)
}

func serveRPC(ctx context.Context, server *rpc.Server, listener net.Listener, s *SessionControl) error {
	go func() {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				listener.Close()
				return
			case <-ticker.C:
				s.broadcastStatus()
			}
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				var dummy string
				var ok bool
				s.Stop(&dummy, &ok)
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}
		UpdateLogger.Printf("New RPC connection from %s", conn.RemoteAddr())
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
