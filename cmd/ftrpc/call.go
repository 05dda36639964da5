package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ftrpc/arith"
	"ftrpc/client"
	"ftrpc/config"
)

var callArgs struct {
	servers string
}

func callFlags(f *pflag.FlagSet) {
	f.StringVar(&callArgs.servers, "servers", "", "host:port[=weight],... overrides client.servers")
}

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call",
		Short: "call the arith service",
	}
	callFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		&cobra.Command{
			Use:     "add N...",
			Short:   "sum integers",
			Example: "  ftrpc call add 3 4 5",
			RunE: withStub(func(ctx context.Context, stub arith.Client, args []string) (any, error) {
				xs, err := parseInts(args)
				if err != nil {
					return nil, err
				}
				return stub.Add(ctx, xs...)
			}),
		},
		&cobra.Command{
			Use:   "divide A B",
			Short: "integer division",
			Args:  cobra.ExactArgs(2),
			RunE: withStub(func(ctx context.Context, stub arith.Client, args []string) (any, error) {
				xs, err := parseInts(args)
				if err != nil {
					return nil, err
				}
				return stub.Divide(ctx, xs[0], xs[1])
			}),
		},
		&cobra.Command{
			Use:   "echo TEXT",
			Short: "echo a string through the server",
			Args:  cobra.ExactArgs(1),
			RunE: withStub(func(ctx context.Context, stub arith.Client, args []string) (any, error) {
				return stub.Echo(ctx, args[0])
			}),
		},
	)
	return cmd
}

func parseInts(args []string) ([]int64, error) {
	xs := make([]int64, len(args))
	for i, a := range args {
		n, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i+1)
		}
		xs[i] = n
	}
	return xs, nil
}

type stubFunc func(ctx context.Context, stub arith.Client, args []string) (any, error)

// withStub builds a client from the configuration, runs fn and prints its result.
func withStub(fn stubFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		if callArgs.servers != "" {
			servers, err := config.ParseEndpoints(callArgs.servers)
			if err != nil {
				return err
			}
			cfg.Client.Servers = servers
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		opts := []client.Option{client.WithLogger(logger)}
		reg, err := openEtcd(cfg.Client.Etcd, logger)
		if err != nil {
			return err
		}
		if reg != nil {
			defer reg.Close()
			opts = append(opts, client.WithDiscovery(reg))
		}

		c, err := client.New(ctx, cfg.Client, arith.Methods(), opts...)
		if err != nil {
			return err
		}
		defer c.Close()

		out, err := fn(ctx, arith.Client{Invoker: c}, args)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
}
