package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sink/internal/config"
	"github.com/austindbirch/harbor_sink/internal/logging"
	"github.com/austindbirch/harbor_sink/internal/sink"
)

type recordSender interface {
	Send(ctx context.Context, body string, key *string) error
	Route(key *string) string
}

// newSender is swapped in tests.
var newSender = func(cfg config.Sink, logger *logging.Logger) (recordSender, error) {
	s, err := sink.New(cfg, sink.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return s, nil
}

type bodyFlags struct {
	body     string
	bodyFile string
	key      string
}

func (f *bodyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.body, "body", "", "request body")
	cmd.Flags().StringVar(&f.bodyFile, "body-file", "", "read the request body from a file (- for stdin)")
	cmd.Flags().StringVar(&f.key, "key", "", "record key; when set and updates are enabled the update route is used")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
}

func (f *bodyFlags) resolve(cmd *cobra.Command) (string, *string, error) {
	body := f.body
	if f.bodyFile != "" {
		var (
			b   []byte
			err error
		)
		if f.bodyFile == "-" {
			b, err = readAll(cmd.InOrStdin())
		} else {
			b, err = os.ReadFile(f.bodyFile)
		}
		if err != nil {
			return "", nil, fmt.Errorf("read body: %w", err)
		}
		body = string(b)
	}
	if body == "" {
		return "", nil, errors.New("a body is required (--body or --body-file)")
	}

	var key *string
	if cmd.Flags().Changed("key") {
		k := f.key
		key = &k
	}
	return body, key, nil
}

func newSendCmd(a *app) *cobra.Command {
	var f bodyFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one body to the sink",
		Long: `Send one body to the configured sink, retrying with the configured
fixed backoff. Exits non-zero when the body could not be delivered.

Examples:
  sinkctl send --url http://localhost:8081/records --body '{"id":1}'
  sinkctl send --key 42 --body-file record.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, key, err := f.resolve(cmd)
			if err != nil {
				return err
			}

			s, err := newSender(a.sinkConfig(), a.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			id := uuid.NewString()
			route := s.Route(key)
			err = s.Send(cmd.Context(), body, key)
			result := map[string]any{
				"delivery_id": id,
				"route":       route,
				"outcome":     sink.Outcome(err),
			}
			if code := sink.StatusCode(err); code != 0 {
				result["http_status"] = code
			}
			a.printOutput(cmd.OutOrStdout(), result)
			if err != nil {
				return fmt.Errorf("delivery %s failed: %w", id, err)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
