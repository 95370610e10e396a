package cli

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	serverEnv = "MEETSTREAM_SERVER"
	tokenEnv  = "MEETSTREAM_TOKEN"

	defaultServer = "http://localhost:8080"
)

// Dependencies are shared by every subcommand.
type Dependencies struct {
	Out io.Writer
	Log *logrus.Logger

	Server string
	Token  string
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Log == nil {
		deps.Log = logrus.New()
		deps.Log.SetOutput(os.Stderr)
	}

	rootCmd := &cobra.Command{
		Use:           "meetctl",
		Short:         "Operate a meetstream server",
		Long:          "Stream audio into a meeting, follow its transcript and inspect fan-out state.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&deps.Server, "server", envOr(serverEnv, defaultServer), "server base URL")
	rootCmd.PersistentFlags().StringVar(&deps.Token, "token", os.Getenv(tokenEnv), "bearer token")

	rootCmd.AddCommand(NewTokenCmd(deps))
	rootCmd.AddCommand(NewStatsCmd(deps))
	rootCmd.AddCommand(NewTranscriptsCmd(deps))
	rootCmd.AddCommand(NewSubscribeCmd(deps))
	rootCmd.AddCommand(NewSendPCMCmd(deps))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// endpoint joins path onto the server URL, switching to ws/wss when asked.
func endpoint(server, path string, websocket bool, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", server)
	}
	if websocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

func requireToken(deps *Dependencies) error {
	if strings.TrimSpace(deps.Token) == "" {
		return fmt.Errorf("a token is required: pass --token or set %s", tokenEnv)
	}
	return nil
}
