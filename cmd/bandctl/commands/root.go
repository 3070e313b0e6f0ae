package commands

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultServer is used when neither --server nor BANDBURG_SERVER is set.
const DefaultServer = "http://127.0.0.1:8080"

var (
	serverURL string
	token     string
	timeout   time.Duration
	api       *client
)

// Execute runs the root command with os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bandctl",
		Short:         "Control a bandburg daemon and the wearables behind it",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if serverURL == "" {
				serverURL = os.Getenv("BANDBURG_SERVER")
			}
			if serverURL == "" {
				serverURL = DefaultServer
			}
			if token == "" {
				token = os.Getenv("BANDBURG_TOKEN")
			}
			c, err := newClient(serverURL, token, &http.Client{Timeout: timeout})
			if err != nil {
				return err
			}
			api = c
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "daemon base URL (default $BANDBURG_SERVER or "+DefaultServer+")")
	root.PersistentFlags().StringVar(&token, "token", "", "API bearer token (default $BANDBURG_TOKEN)")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 0, "HTTP timeout, 0 disables it")

	root.AddCommand(
		opsCmd(),
		invokeCmd(),
		classifyCmd(),
		installCmd(),
		eventsCmd(),
		deviceCmd(),
		scriptCmd(),
		marketCmd(),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
