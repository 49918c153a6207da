package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/familiar-prop/familiar/internal/app"
	"github.com/familiar-prop/familiar/internal/bus"
	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/domain"
)

func newMonitorCmd(flags *rootFlags) *cobra.Command {
	var (
		raw       bool
		listenFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Connect and print radio events",
		Long: `Prints connection changes, node updates and text messages as they arrive.
With --raw every frame payload is printed as hex as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if listenFor > 0 {
				ctx, cancel = context.WithTimeout(ctx, listenFor)
				defer cancel()
			}

			rt, err := openRuntime(ctx, flags, true, func(o *app.Overrides) { o.NoJournal = true })
			if err != nil {
				return err
			}
			defer closeRuntime(cmd.ErrOrStderr(), rt)

			names := func(nodeID string) string {
				return domain.NodeDisplayNameByID(rt.Client.NodeStore(), nodeID)
			}
			subs := subscribeEvents(rt.Bus, raw)
			done := make(chan struct{})
			go func() {
				defer close(done)
				watch(ctx, rt.Bus, subs, cmd.OutOrStdout(), names)
			}()

			if err := rt.Client.Connect(ctx); err != nil {
				return err
			}
			<-done

			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print raw frames")
	cmd.Flags().DurationVar(&listenFor, "listen-for", 0, "Stop after this duration, e.g. 30s")

	return cmd
}

func subscribeEvents(b bus.MessageBus, raw bool) map[string]bus.Subscription {
	topics := []string{
		connectors.TopicConnStatus,
		connectors.TopicDeviceInfo,
		connectors.TopicChannels,
		connectors.TopicNodeUpdated,
		connectors.TopicMessageReceived,
		connectors.TopicMessageSent,
	}
	if raw {
		topics = append(topics, connectors.TopicRawFrameIn, connectors.TopicRawFrameOut)
	}
	subs := make(map[string]bus.Subscription, len(topics))
	for _, topic := range topics {
		subs[topic] = b.Subscribe(topic)
	}

	return subs
}

// watch prints events from subs to w until ctx is done, then unsubscribes.
func watch(ctx context.Context, b bus.MessageBus, subs map[string]bus.Subscription, w io.Writer, names nameFunc) {
	merged := make(chan topicEvent)
	for topic, sub := range subs {
		go forward(ctx, topic, sub, merged)
	}
	defer func() {
		for topic, sub := range subs {
			b.Unsubscribe(sub, topic)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-merged:
			printEvent(w, ev, names)
		}
	}
}

type topicEvent struct {
	topic   string
	payload any
}

// forward keeps draining sub after ctx is done so publishers never block on
// it before the unsubscribe lands.
func forward(ctx context.Context, topic string, sub bus.Subscription, out chan<- topicEvent) {
	for payload := range sub {
		select {
		case out <- topicEvent{topic: topic, payload: payload}:
		case <-ctx.Done():
		}
	}
}

func printEvent(w io.Writer, ev topicEvent, names nameFunc) {
	switch v := ev.payload.(type) {
	case connectors.ConnectionStatus:
		line := fmt.Sprintf("conn %s -> %s (%s %s)", orDash(string(v.Previous)), v.State, v.TransportName, v.Target)
		if v.Err != "" {
			line += ": " + v.Err
		}
		_, _ = fmt.Fprintln(w, line)
	case domain.DeviceInfo:
		_, _ = fmt.Fprintf(w, "radio %s firmware %s %s\n", v.NodeID, orDash(v.FirmwareVersion), orDash(v.HardwareModel))
	case []domain.ChannelInfo:
		for _, ch := range v {
			_, _ = fmt.Fprintf(w, "channel %d %s (%s)\n", ch.Index, orDash(ch.Title), ch.Role)
		}
	case domain.Node:
		_, _ = fmt.Fprintf(w, "node %s %s snr=%s signal=%s\n", v.NodeID, domain.NodeDisplayName(v), snr(v.SNR), v.SignalQuality())
	case domain.Message:
		writeMessage(w, v, names)
	case connectors.RawFrame:
		dir := "in"
		if ev.topic == connectors.TopicRawFrameOut {
			dir = "out"
		}
		_, _ = fmt.Fprintf(w, "raw-%s len=%d %s\n", dir, v.Len, previewHex(v.Hex))
	}
}
