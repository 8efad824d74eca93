package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentsh/execgate/internal/client"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and seed the verdict cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "allow VNODE_ID",
		Short: "Record an allow verdict and wake any pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVnodeID(args[0])
			if err != nil {
				return err
			}
			c := client.New(serverAddr(cmd))
			out, err := c.AllowBinary(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deny VNODE_ID",
		Short: "Record a deny verdict and wake any pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVnodeID(args[0])
			if err != nil {
				return err
			}
			c := client.New(serverAddr(cmd))
			out, err := c.DenyBinary(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop all cached verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			if err := c.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of cached verdicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			n, err := c.CacheCount(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	})

	// Exit codes make check usable from shell hooks: 0 cached allow,
	// 1 cached deny, 2 not cached.
	cmd.AddCommand(&cobra.Command{
		Use:   "check VNODE_ID",
		Short: "Look up the cached verdict for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseVnodeID(args[0])
			if err != nil {
				return err
			}
			c := client.New(serverAddr(cmd))
			out, err := c.CheckCache(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, out); err != nil {
				return err
			}
			if cached, _ := out["cached"].(bool); !cached {
				return NewExitError(2, "")
			}
			if v, _ := out["verdict"].(string); v == "deny" {
				return NewExitError(1, "")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List identities blocked on an authorization decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			out, err := c.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	})

	return cmd
}

func parseVnodeID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid vnode id %q", s)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
