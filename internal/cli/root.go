package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "execgate",
		Short:         "execgate: binary authorization gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("execgate {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("EXECGATE_SERVER", "http://127.0.0.1:9823"), "execgate control API base URL")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAuthorityCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("server")
	if addr == "" {
		addr = "http://127.0.0.1:9823"
	}
	return addr
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
