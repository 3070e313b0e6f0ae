package commands

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bandburg/internal/classify"
)

func opsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ops",
		Short: "List module operations and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []struct {
				Name   string `json:"name"`
				Params []struct {
					Name     string   `json:"name"`
					Aliases  []string `json:"aliases"`
					Kind     string   `json:"kind"`
					Required bool     `json:"required"`
				} `json:"params"`
			}
			if err := api.doJSON(cmd.Context(), http.MethodGet, "/api/v1/operations", nil, nil, &ops); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, op := range ops {
				parts := make([]string, 0, len(op.Params))
				for _, p := range op.Params {
					name := p.Name + ":" + p.Kind
					if !p.Required {
						name = "[" + name + "]"
					}
					parts = append(parts, name)
				}
				fmt.Fprintf(out, "%-32s %s\n", op.Name, strings.Join(parts, " "))
			}
			return nil
		},
	}
}

func invokeCmd() *cobra.Command {
	var rawJSON string
	cmd := &cobra.Command{
		Use:   "invoke <operation> [key=value ...]",
		Short: "Invoke a module operation",
		Long: `Invoke a module operation through the daemon.

Values that parse as integers are sent as numbers. A value of the form @path
sends the file contents base64 encoded, for binary parameters.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if rawJSON != "" {
				if err := json.Unmarshal([]byte(rawJSON), &body); err != nil {
					return fmt.Errorf("parse --json: %w", err)
				}
			}
			if err := parseAssignments(args[1:], body); err != nil {
				return err
			}
			var resp struct {
				Result any `json:"result"`
			}
			if err := api.doJSON(cmd.Context(), http.MethodPost, "/api/v1/invoke/"+args[0], nil, body, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp.Result)
		},
	}
	cmd.Flags().StringVar(&rawJSON, "json", "", "arguments as a JSON object, merged before key=value pairs")
	return cmd
}

// parseAssignments turns key=value pairs into invoke arguments.
func parseAssignments(pairs []string, dst map[string]any) error {
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("expected key=value, got %q", pair)
		}
		switch {
		case strings.HasPrefix(value, "@"):
			data, err := os.ReadFile(value[1:])
			if err != nil {
				return err
			}
			dst[key] = base64.StdEncoding.EncodeToString(data)
		default:
			if n, err := strconv.Atoi(value); err == nil {
				dst[key] = n
			} else {
				dst[key] = value
			}
		}
	}
	return nil
}

func classifyCmd() *cobra.Command {
	var remote, useModule bool
	cmd := &cobra.Command{
		Use:   "classify <file>",
		Short: "Detect the resource type of a watchface, firmware or mini-app file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			if !remote && !useModule {
				res := classify.Classify(data, name)
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"type":         res.Kind,
					"kind":         res.Kind.String(),
					"package_name": res.PackageID,
				})
			}

			q := url.Values{"name": {name}}
			if useModule {
				q.Set("source", "module")
			}
			resp, err := api.send(cmd.Context(), http.MethodPost, "/api/v1/classify", q,
				bytes.NewReader(data), "application/octet-stream")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
	cmd.Flags().BoolVar(&remote, "remote", false, "classify on the daemon instead of locally")
	cmd.Flags().BoolVar(&useModule, "module", false, "ask the compute module (implies --remote)")
	return cmd
}
