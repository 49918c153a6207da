package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/familiar-prop/familiar/internal/connectors"
	"github.com/familiar-prop/familiar/internal/domain"
)

func TestPreviewHex(t *testing.T) {
	short := "94C30003"
	if got := previewHex(" " + short + " "); got != short {
		t.Fatalf("unexpected short preview: %q", got)
	}
	long := strings.Repeat("AB", 40)
	got := previewHex(long)
	if len(got) != maxHexPreviewLen+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected long preview: %q", got)
	}
}

func TestWriteNodes(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	level := uint32(101)
	snrValue := -3.5
	rssi := -100
	hops := uint32(1)
	nodes := []domain.Node{
		{NodeID: "!00000001", LongName: "Base", HardwareModel: "TBEAM", LastHeardAt: now.Add(-2 * time.Minute), BatteryLevel: &level, SNR: &snrValue, RSSI: &rssi, HopsAway: &hops},
		{NodeID: "!00000002"},
	}

	var out bytes.Buffer
	if err := writeNodes(&out, nodes, now); err != nil {
		t.Fatalf("write nodes: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	for _, want := range []string{"Base", "TBEAM", "2 minutes ago", "powered", "-3.5 dB", "good"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row %q does not contain %q", lines[1], want)
		}
	}
	if !strings.Contains(lines[2], "!00000002") || !strings.Contains(lines[2], "never") || !strings.Contains(lines[2], "unknown") {
		t.Fatalf("unexpected sparse row: %q", lines[2])
	}
}

func TestWriteMessage(t *testing.T) {
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.Local)
	names := func(id string) string {
		if id == "!00000033" {
			return "Ridge"
		}
		return id
	}

	var out bytes.Buffer
	writeMessage(&out, domain.Message{Direction: domain.MessageDirectionIn, FromID: "!00000033", ToNum: 5, ToID: "!00000005", Channel: 1, Text: "hi", At: at}, names)
	writeMessage(&out, domain.Message{Direction: domain.MessageDirectionOut, ToID: domain.BroadcastID, ToNum: domain.BroadcastNum, Text: "pong", At: at}, names)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if lines[0] != "2026-06-01 12:00:00 [ch1] <- Ridge (direct): hi" {
		t.Fatalf("unexpected incoming line: %q", lines[0])
	}
	if lines[1] != "2026-06-01 12:00:00 [ch0] -> broadcast: pong" {
		t.Fatalf("unexpected outgoing line: %q", lines[1])
	}
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	printEvent(&out, topicEvent{topic: connectors.TopicConnStatus, payload: connectors.ConnectionStatus{
		State: connectors.ConnectionStateFailed, Previous: connectors.ConnectionStateConfiguring,
		TransportName: "serial", Target: "/dev/ttyUSB0", Err: "handshake timed out",
	}}, nil)
	printEvent(&out, topicEvent{topic: connectors.TopicRawFrameOut, payload: connectors.RawFrame{Hex: "1801", Len: 2}}, nil)
	printEvent(&out, topicEvent{topic: "unknown", payload: 42}, nil)

	want := "conn configuring -> failed (serial /dev/ttyUSB0): handshake timed out\nraw-out len=2 1801\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", out.String(), want)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"run": false, "nodes": false, "send": false, "history": false, "monitor": false, "ports": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing %q subcommand", name)
		}
	}
}

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func TestHistoryOnEmptyJournal(t *testing.T) {
	out, err := executeRoot(t, "history", "--log-level", "error")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "no messages") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestSendRejectsBadDestinationBeforeConnecting(t *testing.T) {
	_, err := executeRoot(t, "send", "--to", "!zzz", "hello")
	if err == nil || !strings.Contains(err.Error(), "invalid node id") {
		t.Fatalf("expected invalid node id error, got %v", err)
	}
}
