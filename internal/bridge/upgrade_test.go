package bridge

import (
	"testing"
)

func TestUpgradeFromSeedsStreamOne(t *testing.T) {
	sess, codec, handler := newTestSession(t)
	req := &UpgradeRequest{
		Method:    "GET",
		Path:      "/x",
		Authority: "a.example",
		Headers: [][2]string{
			{"host", "a.example"},
			{"connection", "Upgrade, HTTP2-Settings"},
			{"upgrade", "h2c"},
			{"http2-settings", "AAMAAABkAAQAAP__"},
			{"accept", "*/*"},
		},
		SettingsPayload: "AAMAAABkAAQAAP__",
	}
	req.Owner = req
	if err := sess.UpgradeFrom(req); err != nil {
		t.Fatalf("UpgradeFrom() error = %v", err)
	}

	if len(codec.upgraded) != 1 || len(codec.upgraded[0]) != 12 {
		t.Fatalf("codec upgrade payload = %v", codec.upgraded)
	}
	d := sess.streams[1]
	if d == nil {
		t.Fatalf("expected stream 1")
	}
	if d.priority != 0 {
		t.Errorf("priority = %d, want 0", d.priority)
	}
	if d.method != "GET" || d.authority != "a.example" || d.path != "/x" {
		t.Errorf("stream = %+v", d)
	}
	if d.requestState != RequestMsgComplete {
		t.Errorf("requestState = %v", d.requestState)
	}
	for _, h := range d.headers {
		switch h[0] {
		case "connection", "upgrade", "http2-settings", "host":
			t.Errorf("connection-level header %q must not survive the upgrade", h[0])
		}
	}
	oc := handler.nextOrigin
	if oc == nil || len(oc.pushedRequests) != 1 {
		t.Fatalf("upgrade request must be dispatched to the origin")
	}
	if sess.preUpstream == nil {
		t.Errorf("pre-upstream object must be retained")
	}
}

func TestUpgradeFromRejectsBadPayload(t *testing.T) {
	sess, _, _ := newTestSession(t)
	err := sess.UpgradeFrom(&UpgradeRequest{
		Method: "GET", Path: "/", Authority: "a", SettingsPayload: "!!!",
	})
	if err == nil {
		t.Fatalf("expected decode error")
	}
}
