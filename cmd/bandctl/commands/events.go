package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func eventsCmd() *cobra.Command {
	var topic string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream bridge events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := api.dialEvents(ctx, topic)
			if err != nil {
				return err
			}
			defer conn.Close()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			out := cmd.OutOrStdout()
			for n := 0; limit <= 0 || n < limit; n++ {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
						return nil
					}
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Fprintln(out, string(msg))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to follow (default all)")
	cmd.Flags().IntVar(&limit, "limit", 0, "exit after this many events")
	return cmd
}
