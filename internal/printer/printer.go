package printer

import (
	"github.com/funnyzak/rewind/internal/compare"
	"github.com/funnyzak/rewind/internal/config"
	"github.com/funnyzak/rewind/internal/logger"
	"github.com/funnyzak/rewind/internal/replay"
	"github.com/funnyzak/rewind/pkg/exchange"
)

// Printer renders exchanges, replay results and comparison reports
type Printer interface {
	PrintEntry(*exchange.Entry) error
	PrintEntries([]*exchange.Entry) error
	PrintResult(*replay.Result) error
	PrintReport(*compare.Report) error
}

// New creates a Printer for mode ("console" or "json")
func New(mode string, log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	switch mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, &cfg.BodyView)
	}
}
