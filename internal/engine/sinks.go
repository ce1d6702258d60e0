package engine

import (
	"errors"

	"fixmatch/internal/common"
	"fixmatch/internal/fix"
	"fixmatch/internal/persist"
)

// Reporter receives the outbound events of an engine: execution reports
// addressed to a participant (TargetCompID) and the trades themselves.
type Reporter interface {
	ReportExecution(report fix.BinaryMessage) error
	ReportTrade(trade common.Trade) error
}

// Reporters fans events out to several reporters.
type Reporters []Reporter

func (rs Reporters) ReportExecution(report fix.BinaryMessage) error {
	var errs []error
	for _, r := range rs {
		if err := r.ReportExecution(report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rs Reporters) ReportTrade(trade common.Trade) error {
	var errs []error
	for _, r := range rs {
		if err := r.ReportTrade(trade); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Persister accepts durable side effects. Enqueue must not block.
type Persister interface {
	Enqueue(op persist.Operation)
}

// StateStore hydrates and flushes books at startup and shutdown.
type StateStore interface {
	LoadSymbolState(symbol string) ([]common.Order, error)
	SaveSymbolState(symbol string, orders []common.Order) error
}

type nopReporter struct{}

func (nopReporter) ReportExecution(fix.BinaryMessage) error { return nil }
func (nopReporter) ReportTrade(common.Trade) error          { return nil }

type nopPersister struct{}

func (nopPersister) Enqueue(persist.Operation) {}
