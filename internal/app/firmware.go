package app

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// CheckFirmware reports whether firmware is at least minimum. Meshtastic
// versions carry a build suffix ("2.5.6.abc1234"), only the numeric
// major.minor.patch part is compared.
func CheckFirmware(firmware, minimum string) (bool, error) {
	current := normalizeFirmwareVersion(firmware)
	if !semver.IsValid(current) {
		return false, fmt.Errorf("unrecognized firmware version %q", firmware)
	}
	required := normalizeFirmwareVersion(minimum)
	if required == "" {
		return true, nil
	}
	if !semver.IsValid(required) {
		return false, fmt.Errorf("unrecognized minimum firmware version %q", minimum)
	}

	return semver.Compare(current, required) >= 0, nil
}

func normalizeFirmwareVersion(version string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if trimmed == "" {
		return ""
	}

	parts := strings.SplitN(trimmed, ".", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, part := range parts {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		parts[i] = part[:end]
	}

	return "v" + strings.Join(parts, ".")
}
