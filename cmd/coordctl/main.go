package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/responsegrid/coord/internal/client/outbox"
	"github.com/responsegrid/coord/internal/client/transport"
	"github.com/responsegrid/coord/internal/config"
	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/platform/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &agent{}
	rootCmd := &cobra.Command{
		Use:   "coordctl",
		Short: "Field agent for the incident coordination log",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(watchCmd(a))
	rootCmd.AddCommand(sendCmd(a))
	rootCmd.AddCommand(checkInCmd(a))
	rootCmd.AddCommand(outboxCmd(a))
	rootCmd.AddCommand(runCmd(a))
	return rootCmd
}

// agent holds what every command shares: identity, links and the outbox.
type agent struct {
	cfg    *config.AgentConfig
	logger zerolog.Logger
	self   eventlog.Actor
	link   *transport.Failover
	// direct is the first HTTP link; check-ins need a synchronous answer.
	direct *transport.HTTP
	relay  *transport.AMQP
	store  *outbox.SQLiteStore
	buffer *outbox.Buffer
}

func (a *agent) init() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(os.Stderr, cfg.Env, cfg.LogFile)
	a.self = eventlog.Actor{Role: cfg.ActorRole, ID: cfg.ActorID, Name: cfg.ActorName}

	var links []transport.Transport
	for _, l := range []struct{ name, url string }{{"lte", cfg.ServerURL}, {"mesh", cfg.MeshURL}} {
		if l.url == "" {
			continue
		}
		h := transport.NewHTTP(l.url, a.httpOptions(l.name)...)
		if a.direct == nil {
			a.direct = h
		}
		links = append(links, h)
	}
	if cfg.AMQPURL != "" {
		a.relay = transport.NewAMQP(cfg.AMQPURL, cfg.RelayQueue, cfg.Token)
		links = append(links, a.relay)
	}
	a.link = transport.NewFailover(a.logger, cfg.RecheckEvery, links...)
	return nil
}

func (a *agent) httpOptions(name string) []transport.HTTPOption {
	opts := []transport.HTTPOption{transport.WithName(name)}
	if a.cfg.Token != "" {
		return append(opts, transport.WithToken(a.cfg.Token))
	}
	return append(opts, transport.WithDevIdentity(a.self))
}

// outbox opens the on-disk queue the first time a command needs it.
func (a *agent) outbox() (*outbox.Buffer, error) {
	if a.buffer != nil {
		return a.buffer, nil
	}
	store, err := outbox.Open(a.cfg.OutboxPath)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.buffer = outbox.NewBuffer(store, a.link, a.cfg.StallAfter, a.logger)
	return a.buffer, nil
}

func (a *agent) close() error {
	if a.relay != nil {
		_ = a.relay.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			return fmt.Errorf("close outbox: %w", err)
		}
	}
	return nil
}
