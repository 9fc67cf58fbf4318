package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"fnord/internal/domain"
)

type clockParams struct {
	Timezone string `json:"timezone,omitempty"`
}

type clockReading struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Weekday  string `json:"weekday"`
	Unix     int64  `json:"unix"`
}

// NewClockTool reports the current time, optionally in an IANA zone.
// now is injectable for tests; nil means time.Now.
func NewClockTool(now func() time.Time, logger *slog.Logger) domain.Tool {
	if now == nil {
		now = time.Now
	}
	return NewFuncTool("clock",
		"Get the current date and time",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA time zone such as Europe/Berlin; defaults to UTC"}
			},
			"additionalProperties": false
		}`),
		func(_ context.Context, p clockParams) (any, error) {
			zone := p.Timezone
			if zone == "" {
				zone = "UTC"
			}
			loc, err := time.LoadLocation(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", p.Timezone)
			}
			t := now().In(loc)
			return clockReading{
				Time:     t.Format(time.RFC3339),
				Timezone: loc.String(),
				Weekday:  t.Weekday().String(),
				Unix:     t.Unix(),
			}, nil
		},
		logger,
	)
}
