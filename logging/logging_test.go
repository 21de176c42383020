package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	es "github.com/policyhub/eventsourcing"
	"github.com/policyhub/eventsourcing/fixtures"
	"github.com/policyhub/eventsourcing/logging"
)

func TestWithCommandLogging(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		lastLevel logrus.Level
		entries   int
	}{
		{name: "success", lastLevel: logrus.DebugLevel, entries: 2},
		{name: "conflict", err: &es.ConcurrencyConflictError{ExpectedVersion: 1, ActualVersion: 2}, lastLevel: logrus.WarnLevel, entries: 2},
		{name: "failure", err: errors.New("boom"), lastLevel: logrus.ErrorLevel, entries: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)

			handler := logging.WithCommandLogging(logrus.NewEntry(logger), func(ctx context.Context, cmd fixtures.AdjustPremium) (es.AppendResult, error) {
				if tt.err != nil {
					return es.AppendResult{}, tt.err
				}
				return es.AppendResult{Successful: true, NextExpectedVersion: 3}, nil
			})

			_, err := handler(t.Context(), fixtures.AdjustPremium{Tenant: "t1", ID: "Q1", Delta: 1})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}

			entries := hook.AllEntries()
			if len(entries) != tt.entries {
				t.Fatalf("expected %d entries, got %d", tt.entries, len(entries))
			}
			if entries[0].Level != logrus.InfoLevel || !strings.Contains(entries[0].Message, "fixtures.AdjustPremium") {
				t.Errorf("unexpected first entry %v %q", entries[0].Level, entries[0].Message)
			}
			last := hook.LastEntry()
			if last.Level != tt.lastLevel {
				t.Errorf("expected last level %v, got %v", tt.lastLevel, last.Level)
			}
			if last.Data["aggregateId"] != "Q1" || last.Data["tenantId"] != "t1" {
				t.Errorf("missing aggregate fields: %v", last.Data)
			}
		})
	}
}

func TestWithObserverLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	boom := errors.New("projection down")
	spy := fixtures.NewObserverSpy("quote-summary", es.CapabilityReadModel).FailOnSequence(2, boom)
	obs := logging.WithObserverLogging(logger, spy)

	if obs.Name() != "quote-summary" || !es.HasCapability(obs, es.CapabilityReadModel) {
		t.Fatal("decorator must keep name and capabilities")
	}

	records := fixtures.NewRecord().BuildFrom(0, fixtures.QuoteHistory(1)...)
	if err := obs.Handle(t.Context(), es.Delivery{Record: &records[0]}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := obs.Handle(t.Context(), es.Delivery{Record: &records[1], Replay: true}); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}

	var lines []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}

	last := lines[3]
	if last["level"] != "ERROR" || last["msg"] != "error processing event" {
		t.Errorf("unexpected last line %v", last)
	}
	if last["observer"] != "quote-summary" || last["sequence"] != float64(2) || last["replay"] != true {
		t.Errorf("missing delivery fields: %v", last)
	}
}
