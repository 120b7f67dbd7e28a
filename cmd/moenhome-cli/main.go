package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/moenhome/internal/config"
)

// cli holds the flags and connection shared by every command.
type cli struct {
	addr    string
	json    bool
	timeout time.Duration

	conn *grpc.ClientConn
	out  outputMode
}

func main() {
	c := &cli{}
	if err := newRootCmd(c).Execute(); err != nil {
		os.Exit(1)
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "moenhome-cli",
		Short:         "Control Moen smart faucets through a moenhome server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c.out = outputMode{json: c.json, w: cmd.OutOrStdout()}
			if c.conn != nil || !needsConn(cmd) {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			conn, err := grpcurl.BlockingDial(ctx, "tcp", dialAddr(c.addr), insecure.NewCredentials())
			if err != nil {
				return fmt.Errorf("dial %s: %w", c.addr, err)
			}
			c.conn = conn
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", resolveAddr(), "moenhome gRPC address")
	root.PersistentFlags().BoolVar(&c.json, "json", false, "Output JSON")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Timeout per request")

	root.AddCommand(
		accountsCmd(c),
		devicesCmd(c),
		stateCmd(c),
		startCmd(c),
		stopCmd(c),
		tempCmd(c),
		flowCmd(c),
		presetCmd(c),
		freezeCmd(c),
		usageCmd(c),
		sessionsCmd(c),
		locationsCmd(c),
		refreshCmd(c),
		pluginsCmd(c),
		servicesCmd(c),
		methodsCmd(c),
		callCmd(c),
	)
	return root
}

func needsConn(cmd *cobra.Command) bool {
	for p := cmd; p != nil; p = p.Parent() {
		switch p.Name() {
		case "help", "completion":
			return false
		}
	}
	return true
}

// invoke calls a Struct-typed RPC and returns the decoded response.
func (c *cli) invoke(ctx context.Context, service, method string, req map[string]any) (map[string]any, error) {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func resolveAddr() string {
	if value := os.Getenv("MOENHOME_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "moenhome:9000"
}

func configSearchPaths() []string {
	var paths []string
	if path := os.Getenv("MOENHOME_CONFIG"); path != "" {
		paths = append(paths, path)
	}
	paths = append(paths, config.DefaultPath)
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "moenhome", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg == nil || cfg.Core == nil {
		return ""
	}
	return cfg.Core.GRPCAddr
}

// dialAddr turns a wildcard listen address into one a client can reach.
func dialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}
