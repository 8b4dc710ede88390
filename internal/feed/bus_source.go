package feed

import (
	"context"
	"log/slog"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// DefaultSignalChannel is the signal bus channel listeners publish to.
const DefaultSignalChannel = "signals"

// BusSource subscribes to a signal bus channel, letting co-located listener
// processes publish signals through Redis.
type BusSource struct {
	bus     domain.SignalBus
	channel string
	intake  *Intake
	logger  *slog.Logger
}

// NewBusSource creates a BusSource. An empty channel means DefaultSignalChannel.
func NewBusSource(bus domain.SignalBus, channel string, intake *Intake, logger *slog.Logger) *BusSource {
	if channel == "" {
		channel = DefaultSignalChannel
	}
	return &BusSource{
		bus:     bus,
		channel: channel,
		intake:  intake,
		logger:  logger.With(slog.String("component", "bus_signal_source")),
	}
}

// Run forwards every message on the channel until ctx is cancelled.
func (s *BusSource) Run(ctx context.Context) error {
	ch, err := s.bus.Subscribe(ctx, s.channel)
	if err != nil {
		return err
	}
	s.logger.Info("bus signal source started", slog.String("channel", s.channel))
	defer s.logger.Info("bus signal source stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			s.intake.offerRaw(data, "bus", s.logger)
		}
	}
}
