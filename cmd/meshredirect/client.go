// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"grimm.is/meshredirect/internal/api"
	"grimm.is/meshredirect/internal/config"
)

// apiClient talks to a running agent's admin API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{
		base: "http://" + addr + api.Prefix,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// get fetches path and pretty-prints the JSON body to w.
func (c *apiClient) get(w io.Writer, path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("invalid response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		if m, ok := body.(map[string]any); ok {
			if msg, ok := m["error"].(string); ok {
				return fmt.Errorf("%s: %s", resp.Status, msg)
			}
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}

	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func addAPIFlag(cmd *cobra.Command, addr *string) {
	cmd.Flags().StringVar(addr, "api", config.DefaultAPIListen, "admin API address")
}

func newLookupCmd() *cobra.Command {
	var (
		addr    string
		src     string
		dst     string
		port    uint16
		srcPort uint16
		family  string
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the original destination recorded at connect time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("src", src)
			q.Set("dst", dst)
			q.Set("port", strconv.Itoa(int(port)))
			if srcPort != 0 {
				q.Set("src_port", strconv.Itoa(int(srcPort)))
			}
			if family != "" {
				q.Set("family", family)
			}
			return newAPIClient(addr).get(cmd.OutOrStdout(), "/origins?"+q.Encode())
		},
	}
	addAPIFlag(cmd, &addr)
	cmd.Flags().StringVar(&src, "src", "", "source address of the application")
	cmd.Flags().StringVar(&dst, "dst", "", "destination address the application dialed")
	cmd.Flags().Uint16Var(&port, "port", 0, "destination port the application dialed")
	cmd.Flags().Uint16Var(&srcPort, "src-port", 0, "source port (0 at connect time)")
	cmd.Flags().StringVar(&family, "family", "", "ipv4 or ipv6 (default: from --dst)")
	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	cmd.MarkFlagRequired("port")
	return cmd
}

func newFlowCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "flow <remote> <local>",
		Short:   "Resolve an accepted proxy connection to its original destination",
		Example: "  meshredirect flow 10.0.0.5:40000 127.0.0.1:15001",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/flows/%s/%s/origin", url.PathEscape(args[0]), url.PathEscape(args[1]))
			return newAPIClient(addr).get(cmd.OutOrStdout(), path)
		},
	}
	addAPIFlag(cmd, &addr)
	return cmd
}

func newStatsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print datapath statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newAPIClient(addr).get(cmd.OutOrStdout(), "/stats")
		},
	}
	addAPIFlag(cmd, &addr)
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		addr  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recent trace events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/events"
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			return newAPIClient(addr).get(cmd.OutOrStdout(), path)
		},
	}
	addAPIFlag(cmd, &addr)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most this many events")
	return cmd
}
