// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package logging provides the process wide log. Writes go to stdout, and
// optionally to a file as well. No prefixes are added, and no newlines forced.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

var (
	mu        sync.Mutex
	stdout    io.Writer = os.Stdout
	logFile   *bufio.Writer // the optional additional file to log into
	logFileOS *os.File
)

type tee struct{}

func (tee) Write(p []byte) (n int, err error) {
	mu.Lock()
	defer mu.Unlock()
	n, err = stdout.Write(p)
	if err != nil || logFile == nil {
		return n, err
	}
	return logFile.Write(p)
}

// The log as a writer, for handing to operators
var Writer io.Writer = tee{}

// Enables logging to file, replacing any earlier log file
func AlsoToFile(fileName string) error {
	if err := Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(err, "opening log file %s", fileName)
	}
	mu.Lock()
	logFileOS, logFile = f, bufio.NewWriter(f)
	mu.Unlock()
	return nil
}

func Printf(format string, args ...interface{}) (n int, err error) {
	return fmt.Fprintf(Writer, format, args...)
}

func Println(args ...interface{}) (n int, err error) {
	return fmt.Fprintln(Writer, args...)
}

// Logs, closes the log file and exits with status 1
func Fatal(args ...interface{}) {
	fmt.Fprintln(Writer, args...)
	Close()
	os.Exit(1)
}

func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(Writer, format, args...)
	Close()
	os.Exit(1)
}

// Flushes the log file to disk
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	if err := logFile.Flush(); err != nil {
		return err
	}
	return logFileOS.Sync()
}

// Flushes and closes the log file, if any. Stdout logging continues
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Flush()
	if cerr := logFileOS.Close(); err == nil {
		err = cerr
	}
	logFile, logFileOS = nil, nil
	return err
}
