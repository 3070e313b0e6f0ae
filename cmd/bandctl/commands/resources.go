package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bandburg/internal/catalog"
	"bandburg/internal/storage"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "Manage saved devices"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []storage.Device
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/devices", nil, nil, &devices); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDR\tTYPE")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Addr, d.ConnectType)
			}
			return tw.Flush()
		},
	}

	var d storage.Device
	add := &cobra.Command{
		Use:   "add <name> <addr> <authkey>",
		Short: "Save a device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d.Name, d.Addr, d.AuthKey = args[0], args[1], args[2]
			var created storage.Device
			if err := api.doJSON(cmd.Context(), http.MethodPost, "/api/v1/devices", nil, d, &created); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	add.Flags().IntVar(&d.SARVersion, "sar-version", 2, "SAR protocol version")
	add.Flags().StringVar(&d.ConnectType, "connect-type", "SPP", "connection type: SPP or BLE")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a saved device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.doJSON(cmd.Context(), http.MethodDelete, "/api/v1/devices/"+url.PathEscape(args[0]), nil, nil, nil)
		},
	}

	connect := &cobra.Command{
		Use:   "connect <id>",
		Short: "Connect a saved device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Result any `json:"result"`
			}
			if err := api.doJSON(cmd.Context(), http.MethodPost, "/api/v1/devices/"+url.PathEscape(args[0])+"/connect", nil, nil, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Result)
		},
	}

	info := &cobra.Command{
		Use:   "info <id>",
		Short: "Show aggregated device info, status and storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/devices/"+url.PathEscape(args[0])+"/info", nil, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.AddCommand(list, add, rm, connect, info)
	return cmd
}

func scriptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "script", Short: "Manage and run Lua scripts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scripts []storage.Script
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/scripts", nil, nil, &scripts); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
			for _, s := range scripts {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.Name, s.Description)
			}
			return tw.Flush()
		},
	}

	var description string
	add := &cobra.Command{
		Use:   "add <name> <file.lua>",
		Short: "Save a script from a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var created storage.Script
			in := storage.Script{Name: args[0], Code: string(code), Description: description}
			if err := api.doJSON(cmd.Context(), http.MethodPost, "/api/v1/scripts", nil, in, &created); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	add.Flags().StringVar(&description, "description", "", "script description")

	rm := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a saved script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.doJSON(cmd.Context(), http.MethodDelete, "/api/v1/scripts/"+url.PathEscape(args[0]), nil, nil, nil)
		},
	}

	var deviceID string
	var listen time.Duration
	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a saved script on the daemon and print its log output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if deviceID != "" {
				q.Set("device", deviceID)
			}
			if listen > 0 {
				q.Set("listen", listen.String())
			}
			var res struct {
				Logs       []string  `json:"logs"`
				Dispatched int       `json:"dispatched"`
				Error      *apiError `json:"error"`
			}
			resp, err := api.raw(cmd.Context(), http.MethodPost, "/api/v1/scripts/"+url.PathEscape(args[0])+"/run", q, nil, "")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnprocessableEntity {
				return decodeError(resp)
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				return fmt.Errorf("decode run result: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, line := range res.Logs {
				fmt.Fprintln(out, line)
			}
			if res.Dispatched > 0 {
				fmt.Fprintf(out, "(%d events dispatched)\n", res.Dispatched)
			}
			if res.Error != nil {
				res.Error.Status = resp.StatusCode
				return res.Error
			}
			return nil
		},
	}
	run.Flags().StringVar(&deviceID, "device", "", "saved device exposed as bridge.device")
	run.Flags().DurationVar(&listen, "listen", 0, "keep dispatching subscribed events for this long")

	cmd.AddCommand(list, add, rm, run)
	return cmd
}

func marketCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "market", Short: "Browse and install scripts from the script market"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List market scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scripts []catalog.MarketScript
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/market", nil, nil, &scripts); err != nil {
				return err
			}
			for _, s := range scripts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", s.Name, catalog.Describe(s))
			}
			return nil
		},
	}

	install := &cobra.Command{
		Use:   "install <name>",
		Short: "Install a market script by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scripts []catalog.MarketScript
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/market", nil, nil, &scripts); err != nil {
				return err
			}
			for _, s := range scripts {
				if !strings.EqualFold(s.Name, args[0]) {
					continue
				}
				var created storage.Script
				if err := api.doJSON(cmd.Context(), http.MethodPost, "/api/v1/market/install", nil, s, &created); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			}
			return fmt.Errorf("market script %q not found", args[0])
		},
	}

	cmd.AddCommand(list, install)
	return cmd
}
