package taskz

import (
	"context"
	"runtime"

	"github.com/zoobzio/capitan"
)

// callerPosition captures the file/line of the caller skip frames above
// this function, mirroring abstract_task.h's source_here macro.
func callerPosition(skip int) Position {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Position{}
	}
	return Position{File: file, Line: line}
}

// capitanFatal emits SignalFatal at error severity with the violated
// invariant and its source position. capitan has no dedicated fatal
// level, so this is the highest one available (Error); the accompanying
// panic in raiseInvariant is what actually halts the offending goroutine,
// matching log_util.cpp's log-then-abort behavior without an
// unconditional process exit.
func capitanFatal(sig capitan.Signal, what string, pos Position) {
	capitan.Error(context.Background(), sig,
		FieldError.Field(what),
		FieldFile.Field(pos.File),
		FieldLine.Field(pos.Line),
	)
}
