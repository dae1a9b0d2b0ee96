package logchan

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"mailrelay/internal/channel"
	logx "mailrelay/pkg/logx"
)

func TestNotifyLogsText(t *testing.T) {
	var buf bytes.Buffer
	ch, err := channel.Open(channel.Config{Kind: "log"}, logx.NewWriter(&buf, "info"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ch.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := ch.Notify(context.Background(), "Title: hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !strings.Contains(buf.String(), "Title: hello") {
		t.Fatalf("log output missing text: %s", buf.String())
	}
}

func TestNotifyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New(logx.Nop()).Notify(ctx, "x"); err == nil {
		t.Fatal("expected error on canceled context")
	}
}
