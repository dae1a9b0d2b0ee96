package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mailrelay/internal/channel"
	logx "mailrelay/pkg/logx"
)

const testToken = "42:secret"

func fakeBotAPI(t *testing.T, sendReply string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bot" + testToken + "/getMe":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relaybot"}}`))
		case "/bot" + testToken + "/getChat":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":42,"type":"private"}}`))
		case "/bot" + testToken + "/sendMessage":
			sends.Add(1)
			_, _ = w.Write([]byte(sendReply))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &sends
}

func newNotifier(url string, validate bool) *Notifier {
	n := New(channel.Config{Kind: Kind, Token: "env:TG", Target: "42", URL: url, Validate: validate}, logx.Nop())
	n.Resolve = func(string) (string, error) { return testToken, nil }
	return n
}

func TestPrepareValidatesAndNotifies(t *testing.T) {
	srv, sends := fakeBotAPI(t, `{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"},"date":0,"text":"hi"}}`)
	n := newNotifier(srv.URL, true)
	ctx := context.Background()
	if err := n.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := n.Notify(ctx, "hi"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := sends.Load(); got != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", got)
	}
}

func TestPrepareRejectsBadTarget(t *testing.T) {
	n := New(channel.Config{Kind: Kind, Token: "x", Target: "@channel"}, logx.Nop())
	n.Resolve = func(s string) (string, error) { return s, nil }
	var ce *channel.ConfigurationError
	if err := n.Prepare(context.Background()); !errors.As(err, &ce) || ce.Field != "target" {
		t.Fatalf("Prepare err = %v", err)
	}
}

func TestPrepareRejectsBadToken(t *testing.T) {
	srv, _ := fakeBotAPI(t, `{}`)
	n := newNotifier(srv.URL, true)
	n.Resolve = func(string) (string, error) { return "1:wrong", nil }
	var ce *channel.ConfigurationError
	if err := n.Prepare(context.Background()); !errors.As(err, &ce) || ce.Field != "token" {
		t.Fatalf("Prepare err = %v", err)
	}
}

func TestNotifyRemoteRejection(t *testing.T) {
	srv, _ := fakeBotAPI(t, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	n := newNotifier(srv.URL, false)
	if err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	var de *channel.DeliveryError
	if err := n.Notify(context.Background(), "hi"); !errors.As(err, &de) || de.Code != "400" {
		t.Fatalf("Notify err = %v, want DeliveryError 400", err)
	}
}

func TestNotifyBeforePrepare(t *testing.T) {
	var ce *channel.ConfigurationError
	if err := newNotifier("", false).Notify(context.Background(), "x"); !errors.As(err, &ce) {
		t.Fatalf("Notify err = %v", err)
	}
}

func TestSplitText(t *testing.T) {
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("splitText(long) = %q", got)
	}
	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

func TestNotifyPartialSendCountsAsDelivered(t *testing.T) {
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path != "/bot"+testToken+"/sendMessage" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if sends.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"chat":{"id":42,"type":"private"},"date":0,"text":"x"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: message is too long"}`))
	}))
	t.Cleanup(srv.Close)

	n := newNotifier(srv.URL, false)
	if err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	long := strings.Repeat("line of mail body\n", textLimit/10)
	if err := n.Notify(context.Background(), long); err != nil {
		t.Fatalf("Notify after a visible first chunk = %v, want nil", err)
	}
	if got := sends.Load(); got != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", got)
	}
}
