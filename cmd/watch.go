package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"speech-emotion-service/internal/events"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow transcripts and chat entries published to Kafka",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringSlice("brokers", nil, "Kafka brokers (defaults to the configured brokers)")
	watchCmd.Flags().Duration("since", 0, "Replay messages newer than this before following")
	watchCmd.Flags().Bool("partials", true, "Include transcript partials")
}

// eventLine is a followed event with its arrival time.
type eventLine struct {
	events.Event
	At time.Time
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	initCLILogging(cmd, cfg)

	brokers, _ := cmd.Flags().GetStringSlice("brokers")
	if len(brokers) == 0 {
		brokers = cfg.Kafka.Brokers
	}
	if len(brokers) == 0 {
		return errors.New("no Kafka brokers configured")
	}
	since, _ := cmd.Flags().GetDuration("since")
	partials, _ := cmd.Flags().GetBool("partials")

	topics := []string{cfg.Kafka.TopicEntry}
	if partials {
		topics = append(topics, cfg.Kafka.TopicPartial)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := events.NewConsumer(ctx, events.ConsumerConfig{
		Brokers: brokers,
		Topics:  topics,
		Since:   since,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Watching %v on %v", topics, brokers)))
	err = consumer.Run(ctx, func(ev events.Event) {
		renderEvent(out, eventLine{Event: ev, At: time.Now()})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
