package main

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/joshp123/moenhome/internal/core"
)

func pluginsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect the plugin registry",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plugins and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := c.invoke(cmd.Context(), core.RegistryServiceName, "ListPlugins", nil)
			if err != nil {
				return err
			}
			if c.out.json {
				return c.out.printJSON(resp)
			}
			rows := [][]string{{"PLUGIN", "NAME", "VERSION", "STATUS"}}
			for _, p := range list(resp, "plugins") {
				rows = append(rows, []string{str(p, "plugin_id"), str(p, "display_name"), str(p, "version"), str(p, "status")})
			}
			c.out.table(rows)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "describe <plugin_id>",
		Short: "Describe one plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.invoke(cmd.Context(), core.RegistryServiceName, "DescribePlugin", map[string]any{"plugin_id": args[0]})
			if err != nil {
				return err
			}
			plugin := object(resp, "plugin")
			if c.out.json {
				return c.out.printJSON(plugin)
			}
			c.out.println("id: %s", str(plugin, "plugin_id"))
			c.out.println("name: %s", str(plugin, "display_name"))
			c.out.println("version: %s", str(plugin, "version"))
			c.out.println("status: %s", str(plugin, "status"))
			if msg := str(plugin, "health_message"); msg != "" {
				c.out.println("health: %s", msg)
			}
			c.out.println("services:")
			services, _ := plugin["services"].([]any)
			for _, svc := range services {
				c.out.println("  - %v", svc)
			}
			c.out.println("dashboards:")
			for _, dash := range list(plugin, "dashboards") {
				c.out.println("  - %s (%s)", str(dash, "name"), str(dash, "path"))
			}
			c.out.println("agents_md:")
			c.out.println("%s", str(plugin, "agents_md"))
			return nil
		},
	})
	return cmd
}

func servicesCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List gRPC services via reflection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := grpcurl.ListServices(reflectionSource(cmd.Context(), c.conn))
			if err != nil {
				return err
			}
			for _, service := range services {
				c.out.println("%s", service)
			}
			return nil
		},
	}
}

func methodsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "methods <service>",
		Short: "List the methods of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			methods, err := grpcurl.ListMethods(reflectionSource(cmd.Context(), c.conn), args[0])
			if err != nil {
				return err
			}
			for _, method := range methods {
				c.out.println("%s", method)
			}
			return nil
		},
	}
}

func callCmd(c *cli) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call <service/method>",
		Short: "Invoke any method with a JSON body (--data or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
			defer cancel()
			descSource := reflectionSource(ctx, c.conn)

			var reader io.Reader
			switch {
			case data != "":
				reader = strings.NewReader(data)
			case isStdinTerminal():
				reader = strings.NewReader("{}")
			default:
				reader = cmd.InOrStdin()
			}

			parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
			if err != nil {
				return err
			}
			handler := &grpcurl.DefaultEventHandler{
				Out:       cmd.OutOrStdout(),
				Formatter: formatter,
			}
			if err := grpcurl.InvokeRPC(ctx, descSource, c.conn, args[0], nil, handler, parser.Next); err != nil {
				return err
			}
			if handler.Status != nil && handler.Status.Err() != nil {
				return handler.Status.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	return cmd
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
