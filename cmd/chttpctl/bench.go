package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sagebind/chttp"
)

func newBenchCmd(verbose *bool) *cobra.Command {
	var (
		concurrency int
		requests    int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bench <url>",
		Short: "Fire many concurrent GETs at a URL and report latency stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := chttp.New(
				chttp.WithLogger(newLogger(*verbose)),
				chttp.WithDefaultOptions(
					chttp.WithTimeout(timeout),
					chttp.WithMaxConnectionsPerHost(concurrency),
				),
			)
			defer c.Close(context.Background())

			var (
				mu        sync.Mutex
				durations []time.Duration
				failures  int
			)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)

			for i := 0; i < requests; i++ {
				g.Go(func() error {
					if ctx.Err() != nil {
						return nil
					}
					start := time.Now()
					resp, err := c.Get(args[0])
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures++
						return nil
					}
					durations = append(durations, time.Since(start))
					resp.Consume()
					resp.Close()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "requests: %d  failures: %d\n", requests, failures)
			if len(durations) > 0 {
				var total time.Duration
				for _, d := range durations {
					total += d
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mean latency: %s\n", total/time.Duration(len(durations)))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum requests in flight at once")
	cmd.Flags().IntVar(&requests, "requests", 20, "total number of requests to issue")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")

	return cmd
}
