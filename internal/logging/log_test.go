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

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAlsoToFile(t *testing.T) {
	var console bytes.Buffer
	old := stdout
	stdout = &console
	defer func() { stdout = old }()

	Printf("before %d\n", 1)
	name := filepath.Join(t.TempDir(), "run.log")
	if err := AlsoToFile(name); err != nil {
		t.Fatalf("AlsoToFile: %s", err)
	}
	Printf("sweep %d\n", 2)
	Println("done")
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %s", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	Printf("after\n")

	if got, want := console.String(), "before 1\nsweep 2\ndone\nafter\n"; got != want {
		t.Errorf("console=%q; want %q", got, want)
	}
	bs, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile: %s", err)
	}
	if got, want := string(bs), "sweep 2\ndone\n"; got != want {
		t.Errorf("file=%q; want %q", got, want)
	}
}

func TestAlsoToFileBadPath(t *testing.T) {
	if err := AlsoToFile(filepath.Join(t.TempDir(), "missing", "run.log")); err == nil {
		t.Errorf("log file in missing directory accepted")
	}
}
