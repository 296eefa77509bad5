/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package errors

import (
	std_errors "errors"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {

	base := std_errors.New("base error")

	err := Trace(base)

	if !std_errors.Is(err, base) {
		t.Fatalf("wrapped error lost its cause")
	}
	if !strings.Contains(err.Error(), "base error") {
		t.Fatalf("wrapped error lost its message: %s", err)
	}
	if !strings.Contains(err.Error(), "TestTrace") {
		t.Fatalf("wrapped error lacks calling function: %s", err)
	}
	if !strings.Contains(err.Error(), "#") {
		t.Fatalf("wrapped error lacks line number: %s", err)
	}

	if Trace(nil) != nil {
		t.Fatalf("Trace of nil is not nil")
	}
}

func TestTraceNew(t *testing.T) {

	err := TraceNew("new error")

	if !strings.Contains(err.Error(), "new error") {
		t.Fatalf("unexpected message: %s", err)
	}
	if !strings.Contains(err.Error(), "TestTraceNew") {
		t.Fatalf("error lacks calling function: %s", err)
	}
}

func TestTracef(t *testing.T) {

	err := Tracef("value: %d", 42)

	if !strings.Contains(err.Error(), "value: 42") {
		t.Fatalf("unexpected message: %s", err)
	}
}

func TestTraceMsg(t *testing.T) {

	base := std_errors.New("base error")

	err := TraceMsg(base, "while testing")

	if !std_errors.Is(err, base) {
		t.Fatalf("wrapped error lost its cause")
	}
	if !strings.Contains(err.Error(), "while testing") {
		t.Fatalf("wrapped error lost its annotation: %s", err)
	}
	if !strings.Contains(err.Error(), "base error") {
		t.Fatalf("wrapped error lost its cause message: %s", err)
	}

	if TraceMsg(nil, "while testing") != nil {
		t.Fatalf("TraceMsg of nil is not nil")
	}
}
