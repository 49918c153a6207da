package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BroadcastNum is the destination meaning every node.
const BroadcastNum = ^uint32(0)

// BroadcastID is the display form of BroadcastNum.
const BroadcastID = "broadcast"

var ErrInvalidNodeID = errors.New("invalid node id")

// FormatNodeID renders a node number as "!" followed by 8 lowercase hex digits.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// FormatDestination is FormatNodeID with BroadcastID for the broadcast number.
func FormatDestination(num uint32) string {
	if num == BroadcastNum {
		return BroadcastID
	}

	return FormatNodeID(num)
}

// ParseNodeID parses "!1234abcd", "1234abcd" or "0x1234abcd".
func ParseNodeID(raw string) (uint32, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "!")
	if len(v) > 2 && (v[:2] == "0x" || v[:2] == "0X") {
		v = v[2:]
	}
	if v == "" || len(v) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, raw)
	}
	num, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, raw)
	}

	return uint32(num), nil
}

// CanonicalNodeID parses raw and renders it in FormatNodeID form, so
// "abcd", "0xabcd" and "!0000ABCD" all map to "!0000abcd".
func CanonicalNodeID(raw string) (string, error) {
	num, err := ParseNodeID(raw)
	if err != nil {
		return "", err
	}

	return FormatNodeID(num), nil
}

// ParseDestination accepts a node id, an empty string or BroadcastID.
func ParseDestination(raw string) (uint32, error) {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, BroadcastID) {
		return BroadcastNum, nil
	}

	return ParseNodeID(v)
}

// NormalizeNodeID trims and lowercases a node id and rejects placeholder or
// unknown ids.
func NormalizeNodeID(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || v == "unknown" || v == "!ffffffff" {
		return ""
	}

	return v
}
