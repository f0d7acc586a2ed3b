// Package report renders per-entry outcomes of a sync run.
//
// A Sink sees one Begin and one End per run and any number of Record calls in
// between, from many goroutines. Close is called once, when no further runs follow.
package report

import (
	"errors"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/pathsync"
)

// Sink receives the outcomes of sync runs.
type Sink interface {
	pathsync.Recorder
	Begin(run RunInfo) error
	End(elapsed time.Duration) error
	Close() error
}

// RunInfo identifies a run in report headers.
type RunInfo struct {
	ID          string
	Source      string
	Destination string
	DryRun      bool
	Started     time.Time
}

type multiSink []Sink

// Multi returns a Sink that forwards every call to each of sinks in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

func (m multiSink) Record(r pathsync.Result) {
	for _, s := range m {
		s.Record(r)
	}
}

func (m multiSink) Begin(run RunInfo) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Begin(run))
	}
	return errors.Join(errs...)
}

func (m multiSink) End(elapsed time.Duration) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.End(elapsed))
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Discard is a Sink that drops everything.
var Discard Sink = multiSink(nil)
