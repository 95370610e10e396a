package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/yoockh/meetstream/config"
	"github.com/yoockh/meetstream/internal/auth"
)

func NewTokenCmd(deps *Dependencies) *cobra.Command {
	var (
		secret   string
		id       auth.Identity
		audience string
		issuer   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an HS256 token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a signing secret is required: pass --secret or set JWT_SECRET")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			tok, err := auth.Sign(secret, id, audience, issuer, time.Now().Add(ttl))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(deps.Out, tok)
			return err
		},
	}

	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().StringVar(&id.UserID, "user", "operator", "user_id claim")
	cmd.Flags().StringVar(&id.TenantID, "tenant", "default", "tenant_id claim")
	cmd.Flags().StringVar(&id.Email, "email", "operator@localhost", "email claim")
	cmd.Flags().StringVar(&id.Role, "role", "operator", "role claim")
	cmd.Flags().StringVar(&audience, "audience", envOr("JWT_AUDIENCE", config.DefaultJWTAudience), "aud claim")
	cmd.Flags().StringVar(&issuer, "issuer", envOr("JWT_ISSUER", config.DefaultJWTIssuer), "iss claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")

	return cmd
}
