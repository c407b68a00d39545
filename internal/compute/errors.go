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

package compute

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Returned by Open when no usable device or not enough memory is available
var ErrResourceUnavailable = errors.New("compute resource unavailable")

// A failure inside a kernel or a buffer operation. Carries the kernel name
// and the source location where the failure was raised.
type Failure struct {
	Kernel   string
	Msg      string
	Location string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("compute failure in %s at %s: %s", f.Kernel, f.Location, f.Msg)
}

// Raises a failure as a panic, to be recovered by Context.Run. The skip
// argument selects the stack frame reported as location, 0 being the caller.
func raise(kernel string, skip int, format string, args ...interface{}) {
	loc := "unknown"
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		loc = fmt.Sprintf("%s:%d", file, line)
	}
	panic(errors.WithStack(&Failure{Kernel: kernel, Msg: fmt.Sprintf(format, args...), Location: loc}))
}

// Converts a recovered panic value into an error. Failures raised with raise()
// pass through, anything else gets wrapped into a Failure for the given kernel.
func recovered(kernel string, r interface{}) error {
	if err, ok := r.(error); ok {
		var f *Failure
		if errors.As(err, &f) {
			return err
		}
		return errors.WithStack(&Failure{Kernel: kernel, Msg: err.Error(), Location: "kernel"})
	}
	return errors.WithStack(&Failure{Kernel: kernel, Msg: fmt.Sprint(r), Location: "kernel"})
}

// Returns true if the error is or wraps a compute Failure
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}
