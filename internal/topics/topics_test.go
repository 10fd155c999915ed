package topics

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		topic   string
		kind    Kind
		channel string
		wantErr bool
	}{
		{"home/12/device/abc-123/state", Device, "state", false},
		{"home/12/device/abc-123/status", Device, "status", false},
		{"home/12/device/abc-123/ack", Device, "ack", false},
		{"home/hub/a1b2c3/status", Hub, "status", false},
		{"home/hub/a1b2c3/zigbee/discovered", Hub, "zigbee/discovered", false},
		{"home/hub/a1b2c3/ota/cmd_result", Hub, "ota/cmd_result", false},
		{"home/hub/a1b2c3/automation/sync_result", Hub, "automation/sync_result", false},
		{"home/zb/00124b0012345678/state", Zigbee, "state", false},
		{"home/zb/00124B0012345678/event", Zigbee, "event", false},
		{"home/zb/00124b0012345678/cmd_result", Zigbee, "cmd_result", false},
		{"diagnostics/selftest/x", Diagnostics, "selftest/x", false},
		{"legacy/kitchen/lamp/state", None, "", false},
		{"home/backend/status", None, "", false},
		{"home/12/event/device_state", None, "", false},
		{"home/notanumber/device/abc/state", None, "", true},
		{"home/zb/xyz/state", None, "", true},
		{"home/zb/00124b00123456789/state", None, "", true},
		{"home/12/device/abc/state/extra", None, "", true},
		{"home/hub//status", None, "", true},
	}
	for _, tc := range cases {
		route, err := Classify(tc.topic)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Classify(%q): expected error", tc.topic)
			}
			continue
		}
		if err != nil {
			t.Errorf("Classify(%q): %v", tc.topic, err)
			continue
		}
		if route.Kind != tc.kind {
			t.Errorf("Classify(%q): kind = %v, want %v", tc.topic, route.Kind, tc.kind)
		}
		if route.Kind != None && route.Channel != tc.channel {
			t.Errorf("Classify(%q): channel = %q, want %q", tc.topic, route.Channel, tc.channel)
		}
	}
}

func TestClassifyExtractsParams(t *testing.T) {
	route, err := Classify("home/42/device/dev-1/state")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if route.HomeID != 42 || route.DeviceID != "dev-1" {
		t.Fatalf("unexpected params: %+v", route)
	}
	route, err = Classify("home/zb/00124B0012345678/state")
	if err != nil {
		t.Fatalf("classify zb: %v", err)
	}
	if route.IEEE != "00124b0012345678" {
		t.Fatalf("ieee not normalized: %q", route.IEEE)
	}
}

func TestNormalizeIEEE(t *testing.T) {
	if got, ok := NormalizeIEEE("0x00124B0012345678"); !ok || got != "00124b0012345678" {
		t.Fatalf("0x prefix: got %q ok=%v", got, ok)
	}
	if _, ok := NormalizeIEEE("00124b001234567"); ok {
		t.Fatal("15 hex digits accepted")
	}
	if _, ok := NormalizeIEEE("00124b001234567g"); ok {
		t.Fatal("non-hex accepted")
	}
}
