// Package topics classifies broker topics into the planes the control plane
// understands. Classification is pure string parsing; resolving legacy-plane
// topics needs a device lookup and lives in the dispatcher.
package topics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind int

const (
	None Kind = iota // not one of ours (legacy candidate)
	Device
	Hub
	Zigbee
	Diagnostics
)

type Route struct {
	Kind Kind

	HomeID   uint   // Device plane
	DeviceID string // Device plane, external device UUID
	HubID    string // Hub plane
	IEEE     string // Zigbee plane, normalized lowercase

	// Channel is the trailing path: "state", "status", "ack", "event",
	// "cmd_result", "zigbee/discovered", "ota/cmd_result", ...
	Channel string
}

var ErrMalformed = errors.New("malformed topic")

// Classify parses a topic into a typed route. A topic outside every known
// grammar returns Kind None and no error; a topic inside a grammar with an
// invalid component (non-numeric home id, bad ieee) returns ErrMalformed.
func Classify(topic string) (Route, error) {
	parts := strings.Split(topic, "/")
	if parts[0] == "diagnostics" {
		return Route{Kind: Diagnostics, Channel: strings.Join(parts[1:], "/")}, nil
	}
	if parts[0] != "home" || len(parts) < 3 {
		return Route{}, nil
	}
	switch parts[1] {
	case "backend":
		// our own retained presence announcement
		return Route{}, nil
	case "hub":
		if parts[2] == "" || len(parts) < 4 {
			return Route{}, fmt.Errorf("%w: %s", ErrMalformed, topic)
		}
		return Route{Kind: Hub, HubID: parts[2], Channel: strings.Join(parts[3:], "/")}, nil
	case "zb":
		ieee, ok := NormalizeIEEE(parts[2])
		if !ok || len(parts) != 4 {
			return Route{}, fmt.Errorf("%w: %s", ErrMalformed, topic)
		}
		return Route{Kind: Zigbee, IEEE: ieee, Channel: parts[3]}, nil
	default:
		homeID, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Route{}, fmt.Errorf("%w: %s", ErrMalformed, topic)
		}
		if parts[2] == "event" {
			// our own outbound notification fan-out
			return Route{}, nil
		}
		if len(parts) != 5 || parts[2] != "device" || parts[3] == "" {
			return Route{}, fmt.Errorf("%w: %s", ErrMalformed, topic)
		}
		return Route{Kind: Device, HomeID: uint(homeID), DeviceID: parts[3], Channel: parts[4]}, nil
	}
}

// NormalizeIEEE validates a 16-hex-digit Zigbee IEEE address and returns it
// lowercased. A leading 0x is accepted from sloppier firmwares.
func NormalizeIEEE(s string) (string, bool) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(s) != 16 {
		return "", false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", false
		}
	}
	return s, true
}

// Outbound topic builders, the mirror image of the grammars above.

func DeviceCommand(homeID uint, deviceID string) string {
	return fmt.Sprintf("home/%d/device/%s/cmd", homeID, deviceID)
}

func ZigbeeSet(ieee string) string { return "home/zb/" + ieee + "/set" }

func HubOTACommand(hubID string) string { return "home/hub/" + hubID + "/ota/cmd" }

func HubAutomationSync(hubID string) string { return "home/hub/" + hubID + "/automation/sync" }

func HubPermitJoin(hubID string) string { return "home/hub/" + hubID + "/zigbee/permit_join" }

func HomeEvent(homeID uint, event string) string {
	return fmt.Sprintf("home/%d/event/%s", homeID, event)
}
