package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/changefeed/internal/activity"
	"github.com/alfredjeanlab/changefeed/internal/client"
	"github.com/alfredjeanlab/changefeed/internal/events"
	"github.com/alfredjeanlab/changefeed/internal/stream"
	"github.com/alfredjeanlab/changefeed/internal/ui"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow a change stream",
	Long: `Follow a change stream and print one line per event.

By default tail opens a live stream on the server and reconnects from the
last seen event when the connection drops. With --catchup it prints one page
of history and exits. With --nats it reads events forwarded by servers
straight from NATS, bypassing the HTTP API.

Examples:
  changefeed tail --org org_1
  changefeed tail --stream public --channel page
  changefeed tail --org org_1 --offset -1 --catchup --limit 50
  changefeed tail --nats nats://localhost:4222 --types page,user`,
	GroupID: "feed",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := tailRequest(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		show := func(m *stream.Message) error { return printMessage(out, m) }

		if natsURL, _ := cmd.Flags().GetString("nats"); natsURL != "" {
			return tailNATS(ctx, natsURL, req, show)
		}
		if catchup, _ := cmd.Flags().GetBool("catchup"); catchup {
			page, err := feedClient.Catchup(ctx, req)
			if err != nil {
				return err
			}
			for _, m := range page.Events {
				if err := show(m); err != nil {
					return err
				}
			}
			if !jsonOutput && page.Cursor != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "next offset: %s\n", page.Cursor)
			}
			return nil
		}
		return feedClient.Follow(ctx, req, show)
	},
}

func init() {
	tailCmd.Flags().String("stream", "org", "stream to follow (org, public)")
	tailCmd.Flags().String("org", "", "organization id (servers without sessions)")
	tailCmd.Flags().StringSlice("channel", nil, "public channels, as entity types or public:<type>")
	tailCmd.Flags().StringSlice("types", nil, "only these entity types")
	tailCmd.Flags().String("offset", "", `start after this event id ("-1" for all history, "now")`)
	tailCmd.Flags().Bool("catchup", false, "print one page of history and exit")
	tailCmd.Flags().Int("limit", 0, "page size for --catchup")
	tailCmd.Flags().String("nats", "", "read forwarded events from this NATS URL")
}

func tailRequest(cmd *cobra.Command) (*client.StreamRequest, error) {
	name, _ := cmd.Flags().GetString("stream")
	org, _ := cmd.Flags().GetString("org")
	channels, _ := cmd.Flags().GetStringSlice("channel")
	types, _ := cmd.Flags().GetStringSlice("types")
	offset, _ := cmd.Flags().GetString("offset")
	limit, _ := cmd.Flags().GetInt("limit")

	req := &client.StreamRequest{
		Stream:       name,
		Organization: org,
		Offset:       offset,
		Limit:        limit,
	}
	for _, ch := range channels {
		if !strings.HasPrefix(ch, stream.PublicChannelPrefix) {
			ch = stream.PublicChannel(activity.EntityType(ch))
		}
		req.Channels = append(req.Channels, ch)
	}
	for _, t := range types {
		et := activity.EntityType(t)
		if !activity.IsKnown(et) {
			return nil, fmt.Errorf("unknown entity type %q", t)
		}
		req.Types = append(req.Types, et)
	}
	return req, nil
}

// tailNATS prints events as servers forward them. There is no history
// here: only events published while tail runs are seen.
func tailNATS(ctx context.Context, url string, req *client.StreamRequest, fn func(*stream.Message) error) error {
	sub, err := events.NewNATSSubscriber(url)
	if err != nil {
		return err
	}
	defer sub.Close()

	subject := events.AllSubjects
	if len(req.Types) == 1 {
		subject = events.SubjectFor(req.Types[0])
	}
	ch, cancel, err := sub.Subscribe(subject)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := events.Decode(data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "skipping malformed event: %v\n", err)
				continue
			}
			if !natsMatches(req, env.Event) {
				continue
			}
			if err := fn(stream.NewMessage(env.Event, req.Stream == "public")); err != nil {
				return err
			}
		}
	}
}

func natsMatches(req *client.StreamRequest, ev *activity.Event) bool {
	if req.Organization != "" && ev.OrganizationID != req.Organization {
		return false
	}
	if len(req.Types) > 0 && !slices.Contains(req.Types, ev.EntityType) {
		return false
	}
	return true
}

func printMessage(w io.Writer, m *stream.Message) error {
	if jsonOutput {
		return printJSONLine(w, m)
	}
	_, err := fmt.Fprintln(w, ui.FormatMessage(m))
	return err
}
