package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_sink/internal/delivery"
)

type publisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// newPublisher is swapped in tests.
var newPublisher = func(addr string) (publisher, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newEnqueueCmd(a *app) *cobra.Command {
	var (
		f     bodyFlags
		nsqd  string
		topic string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one body for the sink worker",
		Long: `Publish a record to the records topic. The sink worker picks it up and
delivers it with its own retry policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, key, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("nsqd") {
				if v := a.v.GetString("nsqd_tcp_addr"); v != "" {
					nsqd = v
				}
			}
			if !cmd.Flags().Changed("topic") {
				if v := a.v.GetString("nsq_records_topic"); v != "" {
					topic = v
				}
			}

			rec := delivery.Record{
				ID:         uuid.NewString(),
				Key:        key,
				Body:       body,
				EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			}
			b, err := json.Marshal(rec)
			if err != nil {
				return err
			}

			p, err := newPublisher(nsqd)
			if err != nil {
				return fmt.Errorf("connect nsqd %s: %w", nsqd, err)
			}
			defer p.Stop()
			if err := p.Publish(topic, b); err != nil {
				return fmt.Errorf("publish to %s: %w", topic, err)
			}

			a.printOutput(cmd.OutOrStdout(), map[string]any{
				"record_id": rec.ID,
				"topic":     topic,
			})
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&nsqd, "nsqd", "localhost:4150", "nsqd TCP address (NSQD_TCP_ADDR)")
	cmd.Flags().StringVar(&topic, "topic", "records", "records topic (NSQ_RECORDS_TOPIC)")
	return cmd
}
