package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/familiar-prop/familiar/internal/domain"
)

const maxHexPreviewLen = 64

func writeNodes(w io.Writer, nodes []domain.Node, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tHARDWARE\tHEARD\tBATTERY\tSNR\tSIGNAL\tHOPS")
	for _, node := range nodes {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			node.NodeID,
			domain.NodeDisplayName(node),
			orDash(node.HardwareModel),
			heard(node.LastHeardAt, now),
			battery(node.BatteryLevel),
			snr(node.SNR),
			node.SignalQuality().String(),
			uintOrDash(node.HopsAway),
		)
	}

	return tw.Flush()
}

// nameFunc resolves a node id to a display name.
type nameFunc func(nodeID string) string

func writeMessage(w io.Writer, msg domain.Message, name nameFunc) {
	arrow := "<-"
	peer := msg.FromID
	if msg.Direction == domain.MessageDirectionOut {
		arrow = "->"
		peer = msg.ToID
	}
	if name != nil {
		peer = name(peer)
	}
	to := ""
	if msg.Direction == domain.MessageDirectionIn && !msg.IsBroadcast() {
		to = " (direct)"
	}
	_, _ = fmt.Fprintf(w, "%s [ch%d] %s %s%s: %s\n",
		msg.At.Local().Format(time.DateTime), msg.Channel, arrow, peer, to, msg.Text)
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}

	return hex[:maxHexPreviewLen] + "..."
}

func heard(at, now time.Time) string {
	if at.IsZero() {
		return "never"
	}

	return humanize.RelTime(at, now, "ago", "from now")
}

func battery(level *uint32) string {
	switch {
	case level == nil:
		return "-"
	case *level > 100:
		return "powered"
	default:
		return fmt.Sprintf("%d%%", *level)
	}
}

func snr(v *float64) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%.1f dB", *v)
}

func uintOrDash(v *uint32) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%d", *v)
}

func orDash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}

	return v
}
