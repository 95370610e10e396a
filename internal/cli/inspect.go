package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 15 * time.Second

func NewStatsCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <meeting-id>",
		Short: "Show connection stats for a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.Context(), deps, "/api/v1/ws/meetings/"+url.PathEscape(args[0])+"/stats")
		},
	}
}

func NewTranscriptsCmd(deps *Dependencies) *cobra.Command {
	return &cobra.Command{
		Use:   "transcripts <meeting-id>",
		Short: "List stored final segments of a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd.Context(), deps, "/api/v1/meetings/"+url.PathEscape(args[0])+"/transcripts")
		},
	}
}

// getJSON fetches path with the bearer token and pretty-prints the body.
func getJSON(ctx context.Context, deps *Dependencies, path string) error {
	if err := requireToken(deps); err != nil {
		return err
	}
	target, err := endpoint(deps.Server, path, false, nil)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+deps.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		out.Reset()
		out.Write(body)
	}
	out.WriteByte('\n')
	_, err = deps.Out.Write(out.Bytes())
	return err
}
