//go:build linux || darwin
// +build linux darwin

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

package rest

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestSandboxReportsErrors(t *testing.T) {
	var log bytes.Buffer
	if err := MakeSandbox(&log, "", -1); err != nil {
		t.Errorf("no-op sandbox failed: %s", err)
	}
	if log.Len() != 0 {
		t.Errorf("no-op sandbox logged %q", log.String())
	}

	missing := filepath.Join(t.TempDir(), "missing")
	err := MakeSandbox(&log, missing, -1)
	if err == nil {
		t.Fatalf("chroot to %s succeeded", missing)
	}
	if !strings.Contains(err.Error(), "chroot") {
		t.Errorf("err=%q; want it to name chroot", err)
	}
}
