package adapter

import (
	"context"

	appLog "techcal/internal/log"
	"techcal/internal/model"
	"techcal/internal/normalize"
)

// Manual serves events written by hand in the config. It never touches the
// network; records go through the same reconstruction path as history.
type Manual struct {
	engine  *normalize.Engine
	records []model.Record
}

func NewManual(engine *normalize.Engine, records []model.Record) *Manual {
	return &Manual{engine: engine, records: records}
}

func (a *Manual) Name() string { return KeyManual }

// Extract ignores feed; a malformed entry is logged and skipped.
func (a *Manual) Extract(_ context.Context, _ model.Feed) ([]*model.Event, error) {
	events := make([]*model.Event, 0, len(a.records))
	for i, rec := range a.records {
		if rec.Source == "" {
			rec.Source = "Manual"
		}
		e, err := a.engine.FromRecord(rec)
		if err != nil {
			appLog.Error("manual: skipping event", err, "index", i, "title", rec.Title)
			continue
		}
		events = append(events, e)
	}
	appLog.Info("manual: processed events", "count", len(events))
	return events, nil
}
