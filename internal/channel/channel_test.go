package channel

import (
	"context"
	"errors"
	"testing"

	logx "mailrelay/pkg/logx"
)

type stubChannel struct{ cfg Config }

func (s *stubChannel) Kind() string                         { return "stub" }
func (s *stubChannel) Prepare(context.Context) error        { return nil }
func (s *stubChannel) Notify(context.Context, string) error { return nil }

func TestOpenRegisteredKind(t *testing.T) {
	Register("Stub", func(cfg Config, _ logx.Logger) (Channel, error) {
		return &stubChannel{cfg: cfg}, nil
	})
	ch, err := Open(Config{Kind: " stub ", Target: "x"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s, ok := ch.(*stubChannel); !ok || s.cfg.Target != "x" {
		t.Fatalf("Open returned %#v", ch)
	}

	_, err = Open(Config{Kind: "pigeon"}, logx.Nop())
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "kind" {
		t.Fatalf("Open(unknown) err = %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	d := &DeliveryError{Channel: "slack", Code: "invalid_auth", Hint: "token rejected"}
	if got := d.Error(); got != "slack channel rejected message: invalid_auth (token rejected)" {
		t.Fatalf("DeliveryError.Error() = %q", got)
	}
	base := errors.New("dial tcp: refused")
	tr := &TransportError{Channel: "nats", Err: base}
	if !errors.Is(tr, base) {
		t.Fatal("TransportError does not unwrap")
	}
}
