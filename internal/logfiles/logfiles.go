// Package logfiles sets up the rotating log files used by the digidaq commands.
package logfiles

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// MakeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't. One "$HOME" in dir is replaced by the home directory.
func MakeFileExist(dir, filename string) (string, error) {
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := filepath.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// Rotating returns the lumberjack writer for a log file.
func Rotating(fullname string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   fullname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}
}

// Start returns a logger writing to the rotating file dir/filename and, if
// mirror is not nil, also to mirror.
func Start(dir, filename string, mirror io.Writer) (*log.Logger, string, error) {
	fullname, err := MakeFileExist(dir, filename)
	if err != nil {
		return nil, "", err
	}
	var w io.Writer = Rotating(fullname)
	if mirror != nil {
		w = io.MultiWriter(mirror, w)
	}
	return log.New(w, "", log.LstdFlags), fullname, nil
}
