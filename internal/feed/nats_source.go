package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSSourceConfig configures a NATS subject listener.
type NATSSourceConfig struct {
	URL     string
	Subject string
	// Queue, when set, load-balances the subject across cooperating bots.
	Queue string
	Name  string
}

// NATSSource subscribes to a NATS subject carrying JSON trade signals.
type NATSSource struct {
	cfg    NATSSourceConfig
	intake *Intake
	logger *slog.Logger
}

// NewNATSSource creates a NATSSource feeding intake.
func NewNATSSource(cfg NATSSourceConfig, intake *Intake, logger *slog.Logger) *NATSSource {
	if cfg.Name == "" {
		cfg.Name = "swapbot"
	}
	return &NATSSource{
		cfg:    cfg,
		intake: intake,
		logger: logger.With(slog.String("component", "nats_signal_source")),
	}
}

// Run connects, subscribes and blocks until ctx is cancelled. The NATS
// client handles reconnects itself.
func (s *NATSSource) Run(ctx context.Context) error {
	if s.cfg.URL == "" || s.cfg.Subject == "" {
		s.logger.Info("nats source not configured, exiting")
		return nil
	}
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name(s.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			s.logger.Info("nats reconnected", slog.String("url", c.ConnectedUrlRedacted()))
		}),
	)
	if err != nil {
		return fmt.Errorf("feed: nats connect: %w", err)
	}
	defer conn.Close()

	var sub *nats.Subscription
	if s.cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, s.handle)
	} else {
		sub, err = conn.Subscribe(s.cfg.Subject, s.handle)
	}
	if err != nil {
		return fmt.Errorf("feed: nats subscribe %s: %w", s.cfg.Subject, err)
	}
	s.logger.Info("nats source subscribed",
		slog.String("subject", s.cfg.Subject),
		slog.String("queue", s.cfg.Queue),
	)

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		s.logger.Warn("nats drain failed", slog.String("error", err.Error()))
	}
	return ctx.Err()
}

func (s *NATSSource) handle(msg *nats.Msg) {
	s.intake.offerRaw(msg.Data, "nats", s.logger)
}
