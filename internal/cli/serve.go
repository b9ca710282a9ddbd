package cli

import (
	"github.com/spf13/cobra"

	"github.com/Zenin797/SunoTherapist/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat endpoint",
		Long:  "Serve /ws for chat and /health for probes until interrupted.",
		Run:   runServe,
	}

	cmd.Flags().StringP("addr", "a", "", "Listen address (default: server.address from config)")
	cmd.Flags().StringSlice("origin", nil, "Allowed browser origins (repeatable)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("addr")
	origins, _ := cmd.Flags().GetStringSlice("origin")

	a, err := openApp(cmd.Context())
	if err != nil {
		exitErr("start agent", err)
	}
	defer a.Close()

	if addr == "" {
		addr = a.Config.Server.Address
	}
	srv, err := server.New(server.Config{
		Engine:         a.Engine,
		ModelName:      a.ModelName,
		AllowedOrigins: origins,
	})
	if err != nil {
		exitErr("create server", err)
	}
	if err := srv.Run(cmd.Context(), addr); err != nil {
		exitErr("serve", err)
	}
}
