package _switch

import (
	"context"

	"github.com/adwski/frame-relay/backend/model"
	"github.com/rs/zerolog"
)

// Switch delivers prepared payloads to sets of connections.
type Switch struct {
	logger zerolog.Logger
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
	}
}

// Deliver sends payload to every open target. Closed targets are skipped,
// failed sends are logged and do not stop the batch. Cancelling ctx stops
// the batch and counts the rest as skipped.
func (sw *Switch) Deliver(ctx context.Context, targets []model.Conn, payload model.Payload) model.Report {
	var report model.Report

	if len(targets) == 0 {
		sw.logger.Debug().
			Bool("binary", payload.Binary).
			Int("size", len(payload.Data)).
			Msg("broadcast did not reach anyone")
		return report
	}

	for i, dst := range targets {
		if ctx.Err() != nil {
			report.Skipped += len(targets) - i
			break
		}
		if !send(dst, payload, &sw.logger) {
			if dst.IsOpen() {
				report.Failed++
			} else {
				report.Skipped++
			}
			continue
		}
		report.Sent++
	}

	sw.logger.Trace().
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("broadcast done")
	return report
}

// DeliverTo sends payload to a single connection.
func (sw *Switch) DeliverTo(dst model.Conn, payload model.Payload) bool {
	return send(dst, payload, &sw.logger)
}

func send(dst model.Conn, payload model.Payload, logger *zerolog.Logger) bool {
	if !dst.IsOpen() {
		logger.Debug().Str("dst", dst.ID().String()).Msg("skipping closed endpoint")
		return false
	}
	if err := dst.Send(payload); err != nil {
		logger.Error().Err(err).Str("dst", dst.ID().String()).Msg("failed to send payload")
		return false
	}
	logger.Trace().Str("dst", dst.ID().String()).Msg("payload is forwarded")
	return true
}
