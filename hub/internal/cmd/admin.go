package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/relay/hub/internal/api"
	"github.com/amurg-ai/relay/hub/internal/store"
	"github.com/amurg-ai/relay/pkg/cli"
)

const defaultHubURL = "http://localhost:8080"

// adminClient calls the hub admin API.
type adminClient struct {
	baseURL string
	key     string
	http    *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

func (c *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(api.AdminKeyHeader, c.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call hub: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage devices, dashboard tokens and admin keys on a running hub",
	}

	cmd.PersistentFlags().String("hub-url", "", "hub base URL (env RELAY_HUB_URL, default "+defaultHubURL+")")
	cmd.PersistentFlags().String("admin-key", "", "admin key (env RELAY_ADMIN_KEY, prompted when unset)")
	cmd.PersistentFlags().Bool("json", false, "print raw JSON responses")

	cmd.AddCommand(newAdminProvisionCmd())
	cmd.AddCommand(newAdminRevokeCmd())
	cmd.AddCommand(newAdminTokenCmd())
	cmd.AddCommand(newAdminDevicesCmd())
	cmd.AddCommand(newAdminKeysCmd())
	cmd.AddCommand(newAdminStatsCmd())
	cmd.AddCommand(newAdminAuditCmd())
	return cmd
}

func adminClientFromFlags(cmd *cobra.Command) (*adminClient, error) {
	base, _ := cmd.Flags().GetString("hub-url")
	if base == "" {
		base = os.Getenv("RELAY_HUB_URL")
	}
	if base == "" {
		base = defaultHubURL
	}
	if u, err := url.Parse(base); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid hub url %q", base)
	}

	key, _ := cmd.Flags().GetString("admin-key")
	if key == "" {
		key = os.Getenv("RELAY_ADMIN_KEY")
	}
	if key == "" {
		p := cli.DefaultPrompter()
		p.Out = cmd.ErrOrStderr()
		key = p.AskSecret("Admin key")
	}
	if key == "" {
		return nil, errors.New("an admin key is required")
	}

	return &adminClient{
		baseURL: strings.TrimRight(base, "/"),
		key:     key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	b, _ := cmd.Flags().GetBool("json")
	return b
}

func out(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func newAdminProvisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a device and print its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			org, _ := cmd.Flags().GetString("org")
			host, _ := cmd.Flags().GetString("hostname")

			var resp api.ProvisionResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/devices",
				api.ProvisionRequest{OrgID: org, Hostname: host}, &resp); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, resp)
			}
			out(cmd, "%s %s (%s/%s)\n", cli.OK.Render("Provisioned"), resp.Device.ID, resp.Device.OrgID, resp.Device.Hostname)
			out(cmd, "Device token (shown once):\n%s\n", cli.Secret.Render(resp.Token))
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id")
	cmd.Flags().String("hostname", "", "device hostname")
	_ = cmd.MarkFlagRequired("org")
	_ = cmd.MarkFlagRequired("hostname")
	return cmd
}

func newAdminRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device and disconnect it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var resp api.RevokeResponse
			if err := c.do(cmd.Context(), http.MethodDelete, "/api/admin/devices/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, resp)
			}
			out(cmd, "%s %s, %d connection(s) closed\n", cli.Warn.Render("Revoked"), resp.Device.ID, resp.Evicted)
			return nil
		},
	}
}

func newAdminTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a dashboard token for an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			org, _ := cmd.Flags().GetString("org")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl < 0 {
				return errors.New("--ttl must not be negative")
			}

			var resp api.DashboardTokenResponse
			req := api.DashboardTokenRequest{OrgID: org, TTLSeconds: int64(ttl / time.Second)}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/dashboard-tokens", req, &resp); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, resp)
			}
			out(cmd, "Dashboard token for %s, expires %s:\n%s\n", org,
				resp.ExpiresAt.Local().Format(time.RFC3339), cli.Secret.Render(resp.Token))
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id")
	cmd.Flags().Duration("ttl", 0, "token lifetime (0 uses the hub default)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newAdminDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List provisioned devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			org, _ := cmd.Flags().GetString("org")

			var devices []store.Device
			if err := c.do(cmd.Context(), http.MethodGet, "/api/admin/devices?org="+url.QueryEscape(org), nil, &devices); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, devices)
			}
			if len(devices) == 0 {
				out(cmd, "%s\n", cli.Muted.Render("No devices."))
				return nil
			}
			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				status := "active"
				if d.RevokedAt != nil {
					status = "revoked"
				}
				rows = append(rows, []string{d.ID, d.OrgID, d.Hostname, d.CreatedAt.Local().Format(time.DateTime), cli.StateLabel(status)})
			}
			out(cmd, "%s\n", cli.Table([]string{"DEVICE", "ORG", "HOSTNAME", "CREATED", "STATUS"}, rows))
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id (empty lists all)")
	return cmd
}

func newAdminKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage admin keys",
	}
	keys.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create an additional admin key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var resp api.AdminKeyResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/admin/keys", api.AdminKeyRequest{Name: args[0]}, &resp); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, resp)
			}
			out(cmd, "%s %s (%s)\n", cli.OK.Render("Created admin key"), resp.Key.Name, resp.Key.ID)
			out(cmd, "Secret (shown once):\n%s\n", cli.Secret.Render(resp.Secret))
			return nil
		},
	})
	return keys
}

func newAdminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live connection counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			var resp api.StatsResponse
			if err := c.do(cmd.Context(), http.MethodGet, "/api/admin/stats", nil, &resp); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, resp)
			}
			out(cmd, "Uptime:      %s\n", resp.Uptime)
			out(cmd, "Connections: %d\n", resp.Total)
			if len(resp.Partitions) == 0 {
				return nil
			}
			rows := make([][]string, 0, len(resp.Partitions))
			for _, p := range resp.Partitions {
				rows = append(rows, []string{p.OrgID, p.Role, strconv.Itoa(p.Connections)})
			}
			out(cmd, "%s\n", cli.Table([]string{"ORG", "ROLE", "CONNECTIONS"}, rows))
			return nil
		},
	}
}

func newAdminAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := adminClientFromFlags(cmd)
			if err != nil {
				return err
			}
			org, _ := cmd.Flags().GetString("org")
			limit, _ := cmd.Flags().GetInt("limit")

			q := url.Values{}
			q.Set("org", org)
			q.Set("limit", strconv.Itoa(limit))
			var events []store.AuditEvent
			if err := c.do(cmd.Context(), http.MethodGet, "/api/admin/audit?"+q.Encode(), nil, &events); err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, events)
			}
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				rows = append(rows, []string{e.CreatedAt.Local().Format(time.DateTime), e.OrgID, e.Action, e.DeviceID, string(e.Detail)})
			}
			out(cmd, "%s\n", cli.Table([]string{"TIME", "ORG", "ACTION", "DEVICE", "DETAIL"}, rows))
			return nil
		},
	}
	cmd.Flags().String("org", "", "organization id (empty shows hub-wide events)")
	cmd.Flags().Int("limit", 50, "maximum number of events")
	return cmd
}
