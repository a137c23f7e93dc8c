package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagebind/chttp"
)

func newPostCmd(verbose *bool) *cobra.Command {
	var (
		timeout   time.Duration
		dataFlag  string
		fromStdin bool
	)

	cmd := &cobra.Command{
		Use:   "post <url>",
		Short: "Issue a POST request with a body from --data or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := requestBody(dataFlag, fromStdin)
			if err != nil {
				return err
			}

			c := chttp.New(
				chttp.WithLogger(newLogger(*verbose)),
				chttp.WithDefaultOptions(chttp.WithTimeout(timeout)),
			)
			defer c.Close(context.Background())

			resp, err := c.Post(args[0], body)
			if err != nil {
				return err
			}
			defer resp.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", resp.Status)
			_, err = resp.CopyTo(os.Stdout)
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall request timeout (0 = none)")
	cmd.Flags().StringVar(&dataFlag, "data", "", "request body as a literal string")
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the request body from stdin (streamed, unbuffered)")

	return cmd
}

func requestBody(data string, fromStdin bool) (chttp.Body, error) {
	switch {
	case fromStdin:
		return chttp.BodyFromReader(os.Stdin), nil
	case data != "":
		return chttp.BodyFromString(data), nil
	default:
		return chttp.NewBody(), nil
	}
}
