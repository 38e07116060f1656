// Package daqdb records acquisition runs and their output files in a
// ClickHouse database. All methods are safe to call on an unconnected or nil
// *Connection, which silently records nothing.
package daqdb

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "digidaq" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// Connection is a live (or failed) connection to the run catalog.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	runmsg   chan *RunMessage
	filemsg  chan *FileMessage
	logger   *log.Logger
	sync.WaitGroup
}

// IsConnected reports whether messages will be stored.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected the catalog, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// Options returns the ClickHouse options for a server at addr, taking the
// credentials from DIGIDAQ_DB_USER and DIGIDAQ_DB_PASSWORD.
func Options(addr string) *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: os.Getenv("DIGIDAQ_DB_USER"),
			Password: os.Getenv("DIGIDAQ_DB_PASSWORD"),
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "digidaq", Version: "unknown"},
			},
		},
		DialTimeout: 5 * time.Second,
	}
}

// PingServer checks that a catalog server answers at addr.
func PingServer(addr string) error {
	conn, err := clickhouse.Open(Options(addr))
	if err != nil {
		return err
	}
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Ping(ctx)
}

// Start connects to the catalog at addr, records the activity, and starts the
// goroutine that stores messages until abort is closed. A failed connection
// is logged and returns a Connection that records nothing.
func Start(addr string, activity *ActivityMessage, logger *log.Logger, abort <-chan struct{}) *Connection {
	db := &Connection{activity: activity, logger: logger}
	if db.logger == nil {
		db.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	conn, err := clickhouse.Open(Options(addr))
	if err != nil {
		db.err = err
		db.logger.Printf("Run catalog at %s unavailable: %v", addr, err)
		return db
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			db.logger.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		db.logger.Printf("Run catalog at %s unavailable: %v", addr, err)
		conn.Close()
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.filemsg = make(chan *FileMessage)
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

func (db *Connection) insert(table string, query string, args ...any) {
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), query, nowait, args...); err != nil {
		db.logger.Printf("Error raised on AsyncInsert into %s: %v", table, err)
		db.err = err
	}
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	a := db.activity
	db.insert("daqactivity", `INSERT INTO daqactivity VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Hostname, a.Githash, a.Version, a.GoVersion,
		a.Start.Format(timeLayout), a.End.Format(timeLayout))
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case m := <-db.runmsg:
			db.handleRunMessage(m)
		case m := <-db.filemsg:
			db.handleFileMessage(m)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() && db.activity != nil {
		db.activity.End = time.Now()
		db.logActivity()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordRun stores the start of a run. It blocks until the message is
// accepted, so that a run is always entered before any of its files.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stores the end of a run.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.End.IsZero() {
		msg.End = time.Now()
	}
	go func() { db.runmsg <- msg }()
}

// RecordFile stores one closed output file.
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	activityID := m.ActivityID
	if activityID == "" && db.activity != nil {
		activityID = db.activity.ID
	}
	db.insert("runs", `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, activityID, m.Address, m.ConfigFile, m.BaseName, m.Mode,
		m.Nchannels, m.RecordLength, m.BufferSize, m.Events,
		m.Start.Format(timeLayout), formatEnd(m.End))
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	db.insert("files", `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Filename, m.Filetype,
		m.Start.Format(timeLayout), formatEnd(m.End),
		m.Batches, m.Events, m.Size, m.XXH3)
}

// formatEnd formats an end time; a zero time (still open) is stored as the
// epoch.
func formatEnd(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.Format(timeLayout)
}

func (m *FileMessage) String() string {
	return fmt.Sprintf("%s (%d batches, %d events, %d bytes, xxh3 %s)", m.Filename, m.Batches, m.Events, m.Size, m.XXH3)
}
