// Package logging decorates command handlers and observers with logging.
package logging

import (
	"context"
	"errors"
	"reflect"

	"github.com/sirupsen/logrus"

	"github.com/policyhub/eventsourcing"
)

// WithCommandLogging wraps a CommandHandler with logging functionality.
// It logs the command type, tenant and aggregate ID before execution, and
// logs errors if the command fails. Lost concurrency races are logged as
// warnings since the caller is expected to retry them.
func WithCommandLogging[C eventsourcing.Command](logger *logrus.Entry, next eventsourcing.CommandHandler[C]) eventsourcing.CommandHandler[C] {
	return func(ctx context.Context, command C) (eventsourcing.AppendResult, error) {
		cmdType := reflect.TypeOf(command).String()
		l := logger.WithContext(ctx).WithFields(logrus.Fields{
			"command":     cmdType,
			"tenantId":    command.TenantID(),
			"aggregateId": command.AggregateID(),
		})
		l.Infof("Dispatch: %s (aggregateID: %s)", cmdType, command.AggregateID())

		result, err := next(ctx, command)
		switch {
		case err == nil:
			l.WithField("version", result.NextExpectedVersion).Debugf("Dispatched: %s", cmdType)
		case errors.Is(err, eventsourcing.ErrConcurrencyConflict):
			l.WithError(err).Warnf("Dispatch conflicted: %s (aggregateID: %s)", cmdType, command.AggregateID())
		default:
			l.WithError(err).Errorf("Dispatch failed: %s (aggregateID: %s): %v", cmdType, command.AggregateID(), err)
		}

		return result, err
	}
}
