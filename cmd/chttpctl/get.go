package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sagebind/chttp"
)

func newGetCmd(verbose *bool) *cobra.Command {
	var (
		timeout      time.Duration
		maxRedirects int
		headOnly     bool
	)

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Issue a GET (or HEAD) request and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := chttp.New(
				chttp.WithLogger(newLogger(*verbose)),
				chttp.WithDefaultOptions(
					chttp.WithTimeout(timeout),
					chttp.WithRedirectPolicy(chttp.RedirectLimit(maxRedirects)),
				),
			)
			defer c.Close(context.Background())

			var (
				resp *chttp.Response
				err  error
			)
			if headOnly {
				resp, err = c.Head(args[0])
			} else {
				resp, err = c.Get(args[0])
			}
			if err != nil {
				return err
			}
			defer resp.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", resp.Status)
			for k, v := range resp.Header {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, v[0])
			}
			if !headOnly {
				fmt.Fprintln(cmd.OutOrStdout())
				if _, err := resp.CopyTo(os.Stdout); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall request timeout (0 = none)")
	cmd.Flags().IntVar(&maxRedirects, "max-redirects", 10, "maximum redirects to follow")
	cmd.Flags().BoolVar(&headOnly, "head", false, "issue HEAD instead of GET")

	return cmd
}
