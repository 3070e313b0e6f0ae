package commands

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// installLine is one line of the daemon's NDJSON install stream.
type installLine struct {
	Progress *struct {
		Percent int    `json:"percent"`
		Message string `json:"message"`
	} `json:"progress,omitempty"`
	Done   bool            `json:"done,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

func installCmd() *cobra.Command {
	var addr, kind, pkg string
	cmd := &cobra.Command{
		Use:   "install <file|url>",
		Short: "Install a watchface, firmware or mini-app on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"addr": {addr}}
			if kind != "" {
				q.Set("type", kind)
			}
			if pkg != "" {
				q.Set("package_name", pkg)
			}

			var (
				body        io.Reader
				contentType string
			)
			src := args[0]
			if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
				q.Set("url", src)
			} else {
				f, err := os.Open(src)
				if err != nil {
					return err
				}
				defer f.Close()
				pr, pw := io.Pipe()
				mw := multipart.NewWriter(pw)
				go func() {
					part, err := mw.CreateFormFile("file", filepath.Base(src))
					if err == nil {
						_, err = io.Copy(part, f)
					}
					if err == nil {
						err = mw.Close()
					}
					pw.CloseWithError(err)
				}()
				body, contentType = pr, mw.FormDataContentType()
			}

			resp, err := api.send(cmd.Context(), http.MethodPost, "/api/v1/install", q, body, contentType)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return renderInstall(resp.Body, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "device address")
	cmd.Flags().StringVar(&kind, "type", "", "resource type: watchface, firmware, miniapp (default auto)")
	cmd.Flags().StringVar(&pkg, "package", "", "mini-app package name when it cannot be detected")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}

// renderInstall prints progress lines until the stream reports completion.
func renderInstall(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for sc.Scan() {
		var line installLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return fmt.Errorf("decode install stream: %w", err)
		}
		if line.Progress != nil {
			fmt.Fprintf(w, "[%3d%%] %s\n", line.Progress.Percent, line.Progress.Message)
		}
		if !line.Done {
			continue
		}
		if line.Error != nil {
			line.Error.Status = http.StatusOK
			return line.Error
		}
		fmt.Fprintf(w, "installed: %s\n", strings.TrimSpace(string(line.Result)))
		return nil
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return errors.New("install stream ended before completion")
}
