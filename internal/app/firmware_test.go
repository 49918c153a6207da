package app

import "testing"

func TestCheckFirmware(t *testing.T) {
	tests := []struct {
		name     string
		firmware string
		minimum  string
		want     bool
		wantErr  bool
	}{
		{name: "newer with build suffix", firmware: "2.5.6.abc1234", minimum: "2.3.0", want: true},
		{name: "equal", firmware: "2.3.0", minimum: "2.3.0", want: true},
		{name: "older", firmware: "2.2.24.e6a2c06", minimum: "2.3.0", want: false},
		{name: "major only minimum", firmware: "1.9.0", minimum: "2", want: false},
		{name: "v prefix", firmware: "v2.4.1", minimum: "2.4.0", want: true},
		{name: "empty minimum", firmware: "2.0.0", minimum: "", want: true},
		{name: "unknown firmware", firmware: "", minimum: "2.3.0", wantErr: true},
		{name: "garbage firmware", firmware: "nightly", minimum: "2.3.0", wantErr: true},
		{name: "garbage minimum", firmware: "2.3.0", minimum: "x.y", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CheckFirmware(tc.firmware, tc.minimum)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got ok=%v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("CheckFirmware(%q, %q) = %v, want %v", tc.firmware, tc.minimum, got, tc.want)
			}
		})
	}
}
