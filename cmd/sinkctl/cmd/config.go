package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sink/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "View the resolved sink configuration",
		Long: `Display the sink configuration as sinkctl and the worker would resolve it,
with secrets redacted, and report whether it is valid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.sinkConfig()
			a.printOutput(cmd.OutOrStdout(), describe(cfg.Redacted()))
			if a.v.ConfigFileUsed() == "" && !a.outputJSON {
				fmt.Fprintln(cmd.OutOrStdout(), "config_file: none (using flags and environment)")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return nil
		},
	}
}

func describe(s config.Sink) map[string]any {
	m := map[string]any{
		"url":            s.URL,
		"update_url":     s.UpdateURL,
		"update_enabled": s.UpdateEnabled,
		"update_method":  s.UpdateMethod,
		"max_retries":    s.MaxRetries,
		"retry_backoff":  s.RetryBackoff.String(),
		"timeout":        s.Timeout.String(),
		"auth_type":      string(s.AuthType),
	}
	switch s.AuthType {
	case config.AuthStatic:
		if s.Authorization != "" {
			m["authorization"] = s.Authorization
		} else {
			m["basic_user"] = s.BasicUser
			m["basic_password"] = s.BasicPassword
		}
	case config.AuthOAuth2:
		m["oauth2_token_url"] = s.OAuth2.TokenURL
		m["oauth2_client_id"] = s.OAuth2.ClientID
		m["oauth2_client_secret"] = s.OAuth2.ClientSecret
		m["oauth2_scopes"] = strings.Join(s.OAuth2.Scopes, ",")
		m["oauth2_mode"] = s.OAuth2.AuthorizationMode
	}
	if s.ContentType != "" {
		m["content_type"] = s.ContentType
	}
	if len(s.Headers) > 0 {
		m["headers"] = s.Headers
	}
	return m
}
