package natsx

import "testing"

func TestStreamName(t *testing.T) {
	cases := map[string]string{
		"im.chat":     "IM_CHAT",
		"im.chat.dlq": "IM_CHAT_DLQ",
		"im.>":        "IM_ALL",
	}
	for in, want := range cases {
		if got := StreamName(in); got != want {
			t.Errorf("StreamName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDurableName(t *testing.T) {
	if got := DurableName("gw.node-1"); got != "gw_node-1" {
		t.Fatalf("DurableName = %q", got)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(Config{}); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(Config{})
	if cfg.AckWait == 0 || cfg.MaxAckPending == 0 || cfg.Timeout == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}
