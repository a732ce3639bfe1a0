package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/responsegrid/coord/internal/client/outbox"
	"github.com/responsegrid/coord/internal/client/subscription"
	"github.com/responsegrid/coord/internal/client/transport"
	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/incident"
	"github.com/responsegrid/coord/internal/domain/timeline"
)

func parseIncident(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid incident id %q", arg)
	}
	return id, nil
}

// printEvents writes each event as a timeline line, prefixed with the
// incident when more than one is being followed.
func printEvents(w io.Writer, prefix string) subscription.Handler {
	return func(_ context.Context, events []*eventlog.Event) error {
		for _, line := range timeline.Build(events) {
			if prefix != "" {
				fmt.Fprintf(w, "%s %s\n", prefix, line)
				continue
			}
			fmt.Fprintln(w, line)
		}
		return nil
	}
}

func (a *agent) poller(id uuid.UUID, fromNow bool) *subscription.Poller {
	opts := []subscription.Option{
		subscription.WithInterval(a.cfg.PollMin, a.cfg.PollMax),
		subscription.WithTimeout(a.cfg.PollTimeout),
	}
	if fromNow {
		opts = append(opts, subscription.FromNow())
	}
	return subscription.New(a.link, id, a.logger, opts...)
}

func watchCmd(a *agent) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <incident-id>",
		Short: "Follow an incident's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIncident(args[0])
			if err != nil {
				return err
			}
			fromNow, _ := cmd.Flags().GetBool("from-now")
			return a.poller(id, fromNow).Run(cmd.Context(), printEvents(cmd.OutOrStdout(), ""))
		},
	}
	cmd.Flags().Bool("from-now", false, "Skip history and show only new events")
	return cmd
}

// buildPayload turns the send flags into an event payload. --text is
// shorthand for a message body.
func buildPayload(eventType, text, raw string) (json.RawMessage, error) {
	switch {
	case text != "" && raw != "":
		return nil, fmt.Errorf("use either --text or --payload, not both")
	case text != "":
		if eventType != eventlog.TypeMessage {
			return nil, fmt.Errorf("--text only applies to %s events", eventlog.TypeMessage)
		}
		return json.Marshal(eventlog.MessagePayload{Text: text})
	case raw != "":
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("--payload is not valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	return json.RawMessage(`{}`), nil
}

// enqueueAndFlush buffers req and makes one delivery attempt. The entry
// stays queued if no link is up.
func (a *agent) enqueueAndFlush(ctx context.Context, w io.Writer, req *eventlog.AppendRequest) error {
	buf, err := a.outbox()
	if err != nil {
		return err
	}
	entry, err := buf.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "queued %s (%s)\n", entry.ID, entry.Type)

	res, err := buf.Flush(ctx)
	if err != nil {
		return err
	}
	if res.Retrying > 0 {
		fmt.Fprintln(w, "no link accepted it yet; it will be sent by 'coordctl outbox flush' or 'coordctl run'")
	}
	if res.Forwarded > 0 {
		fmt.Fprintln(w, "handed to the relay; it stays queued until the server log shows it")
	}
	return nil
}

func sendCmd(a *agent) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <incident-id> <type>",
		Short: "Append an event through the outbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIncident(args[0])
			if err != nil {
				return err
			}
			text, _ := cmd.Flags().GetString("text")
			raw, _ := cmd.Flags().GetString("payload")
			payload, err := buildPayload(args[1], text, raw)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			return a.enqueueAndFlush(cmd.Context(), cmd.OutOrStdout(), &eventlog.AppendRequest{
				IncidentID: id,
				Type:       args[1],
				From:       a.self,
				Payload:    payload,
				ClientAt:   &now,
				ClientKey:  uuid.NewString(),
			})
		},
	}
	cmd.Flags().String("text", "", "Message text (message events)")
	cmd.Flags().String("payload", "", "Raw JSON payload")
	return cmd
}

func checkInCmd(a *agent) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Submit a safety check-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := incident.CheckInRequest{}
			req.Status, _ = cmd.Flags().GetString("status")
			req.Note, _ = cmd.Flags().GetString("note")
			req.Dependents, _ = cmd.Flags().GetInt("dependents")
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				lng, _ := cmd.Flags().GetFloat64("lng")
				req.Location = &incident.Location{Lat: lat, Lng: lng}
			}

			if existing, _ := cmd.Flags().GetString("incident"); existing != "" {
				id, err := parseIncident(existing)
				if err != nil {
					return err
				}
				return a.updateCheckIn(cmd.Context(), cmd.OutOrStdout(), id, req)
			}
			return a.newCheckIn(cmd.Context(), cmd.OutOrStdout(), req)
		},
	}
	cmd.Flags().String("status", incident.CheckInNeedHelp, "need_help, cant_evacuate or safe")
	cmd.Flags().String("note", "", "Free-text note for responders")
	cmd.Flags().Int("dependents", 0, "People with you who also need help")
	cmd.Flags().Float64("lat", 0, "Latitude")
	cmd.Flags().Float64("lng", 0, "Longitude")
	cmd.Flags().String("incident", "", "Update an earlier check-in instead of creating one")
	return cmd
}

// newCheckIn keeps resubmitting until the server answers. The incident id
// is chosen here so every attempt reaches the same incident.
func (a *agent) newCheckIn(ctx context.Context, w io.Writer, req incident.CheckInRequest) error {
	if a.direct == nil {
		return fmt.Errorf("a new check-in needs COORD_SERVER_URL or COORD_MESH_URL")
	}
	req.ID = uuid.New()
	for attempt := 1; ; attempt++ {
		ci, err := a.direct.CheckIn(ctx, req)
		if err == nil {
			fmt.Fprintf(w, "check-in %s recorded (%s)\n", ci.IncidentID, ci.Status)
			return nil
		}
		if transport.IsPermanent(err) {
			return err
		}
		wait := outbox.Backoff(attempt)
		a.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("check-in not delivered")
		select {
		case <-ctx.Done():
			return fmt.Errorf("check-in %s not confirmed: %w", req.ID, ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (a *agent) updateCheckIn(ctx context.Context, w io.Writer, id uuid.UUID, req incident.CheckInRequest) error {
	p := eventlog.CheckInPayload{Status: req.Status, Note: req.Note, Dependents: req.Dependents}
	if req.Location != nil {
		p.Location = &eventlog.LocationPayload{Lat: req.Location.Lat, Lng: req.Location.Lng}
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return a.enqueueAndFlush(ctx, w, &eventlog.AppendRequest{
		IncidentID: id,
		Type:       eventlog.TypeCheckIn,
		From:       a.self,
		Payload:    payload,
		ClientAt:   &now,
		ClientKey:  uuid.NewString(),
	})
}

func outboxCmd(a *agent) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and manage buffered writes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show entries waiting for delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := a.outbox()
			if err != nil {
				return err
			}
			entries, err := buf.List(cmd.Context())
			if err != nil {
				return err
			}
			writeEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Try to deliver due entries now",
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := a.outbox()
			if err != nil {
				return err
			}
			res, err := buf.Flush(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, forwarded %d, dropped %d, failed %d, retrying %d\n",
				res.Delivered, res.Forwarded, res.Dropped, res.Failed, res.Retrying)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "abandon <entry-id>",
		Short: "Give up on an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buf, err := a.outbox()
			if err != nil {
				return err
			}
			if err := buf.Abandon(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func writeEntries(w io.Writer, entries []*outbox.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "outbox is empty")
		return
	}
	fmt.Fprintf(w, "%-36s %-36s %-14s %-8s %-8s %s\n", "ID", "INCIDENT", "TYPE", "STATUS", "ATTEMPTS", "LAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%-36s %-36s %-14s %-8s %-8d %s\n",
			e.ID, e.IncidentID, e.Type, e.Status, e.Attempts, strings.TrimSpace(e.LastError))
	}
}

func runCmd(a *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "run [incident-id...]",
		Short: "Deliver the outbox continuously and follow incidents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := parseIncident(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			buf, err := a.outbox()
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return buf.Run(ctx, a.cfg.FlushInterval)
			})
			for _, id := range ids {
				p := a.poller(id, false)
				prefix := ""
				if len(ids) > 1 {
					prefix = "[" + id.String()[:8] + "]"
				}
				g.Go(func() error {
					return p.Run(ctx, printEvents(cmd.OutOrStdout(), prefix))
				})
			}
			a.logger.Info().Str("transport", a.link.Name()).Int("incidents", len(ids)).Msg("agent running")
			return g.Wait()
		},
	}
}
