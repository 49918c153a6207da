package domain

import "testing"

func TestNodeSignalQuality(t *testing.T) {
	snr := 5.0
	rssi := -90
	weakSNR := -20.0

	tests := []struct {
		name string
		node Node
		want SignalQuality
	}{
		{name: "no signal data", node: Node{}, want: SignalUnknown},
		{name: "snr only", node: Node{SNR: &snr}, want: SignalUnknown},
		{name: "good", node: Node{SNR: &snr, RSSI: &rssi}, want: SignalGood},
		{name: "bad snr", node: Node{SNR: &weakSNR, RSSI: &rssi}, want: SignalBad},
	}

	for _, tc := range tests {
		if got := tc.node.SignalQuality(); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestNodeDisplayName(t *testing.T) {
	store := NewNodeStore()
	store.Replace(Node{NodeID: "!00000001", LongName: " Alpha "})
	store.Replace(Node{NodeID: "!00000002", ShortName: "BR"})
	store.Replace(Node{NodeID: "!00000003"})

	tests := []struct {
		id   string
		want string
	}{
		{id: "!00000001", want: "Alpha"},
		{id: "!00000002", want: "BR"},
		{id: "!00000003", want: "!00000003"},
		{id: "!00000004", want: "!00000004"},
		{id: BroadcastID, want: BroadcastID},
		{id: " ", want: ""},
	}

	for _, tc := range tests {
		if got := NodeDisplayNameByID(store, tc.id); got != tc.want {
			t.Fatalf("display name of %q: got %q want %q", tc.id, got, tc.want)
		}
	}
}

func TestMessageIsBroadcast(t *testing.T) {
	if !(Message{ToNum: BroadcastNum}).IsBroadcast() {
		t.Fatalf("expected broadcast")
	}
	if (Message{ToNum: 1}).IsBroadcast() {
		t.Fatalf("expected direct message")
	}
	if MessageDirectionOut.String() != "out" {
		t.Fatalf("unexpected direction name %q", MessageDirectionOut.String())
	}
}
