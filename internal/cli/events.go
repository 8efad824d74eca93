package cli

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
)

func newEventsCmd() *cobra.Command {
	var eventType string
	var vnodeID uint64
	var pathLike string
	var since string
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Search recorded filesystem notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if eventType != "" {
				q.Set("type", eventType)
			}
			if vnodeID != 0 {
				q.Set("vnode", strconv.FormatUint(vnodeID, 10))
			}
			if pathLike != "" {
				q.Set("path", pathLike)
			}
			if since != "" {
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}

			c := client.New(serverAddr(cmd))
			evs, err := c.SearchEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, evs)
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "Filter by event type (exec, write, rename, link, exchange, delete)")
	cmd.Flags().Uint64Var(&vnodeID, "vnode", 0, "Filter by vnode identity")
	cmd.Flags().StringVar(&pathLike, "path", "", "Filter by path substring")
	cmd.Flags().StringVar(&since, "since", "", "Only events after this RFC3339 timestamp")
	cmd.Flags().IntVar(&limit, "limit", 100, "Max events to return")

	return cmd
}
