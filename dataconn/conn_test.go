package dataconn

import (
	"context"
	"net/netip"
	"strings"
	"testing"
)

func TestDataConnDefaults(t *testing.T) {
	s := newTestSession(t, nil, Options{})
	dc := s.dc
	if dc.IsPassiveMode() || dc.IsBound() || dc.IsConnected() {
		t.Fatalf("unexpected initial state: %s", dc)
	}
	if got := dc.RemoteAddr(); got != netip.MustParseAddrPort("127.0.0.1:50000") {
		t.Fatalf("RemoteAddr = %s", got)
	}
	if got := dc.LocalAddr(); got.Addr() != netip.MustParseAddr("127.0.0.1") || got.Port() != 0 {
		t.Fatalf("LocalAddr = %s", got)
	}
	if !dc.IsStreamFile() || !dc.IsFileStreamBlockAsciiImage() {
		t.Fatal("default parameters are not stream file")
	}
	if _, err := dc.Channel(); err != ErrNoConnection {
		t.Fatalf("Channel = %v, want ErrNoConnection", err)
	}
}

func TestDataConnCodecSelection(t *testing.T) {
	s := newTestSession(t, nil, Options{})
	dc := s.dc

	dc.SetMode(ModeBlock)
	if dc.Codec() != nil {
		t.Fatal("codec selected without a connection")
	}
	s.connectPipe(t)
	if c := dc.Codec(); c == nil || c.Name() != "block" {
		t.Fatalf("codec after connect = %v, want block", c)
	}

	dc.SetMode(ModeCompressed)
	if dc.Codec() != nil {
		t.Fatal("codec kept for an unsupported mode")
	}
	ch, err := dc.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if _, err := dc.stream(ch); err == nil {
		t.Fatal("stream built for an unsupported mode")
	}

	dc.SetMode(ModeStream)
	if c := dc.Codec(); c == nil || c.Name() != "stream" {
		t.Fatalf("codec = %v, want stream", c)
	}
}

func TestDataConnStatus(t *testing.T) {
	s := newTestSession(t, nil, Options{})
	dc := s.dc
	dc.SetType(TypeImage)
	dc.SetStructure(StructureFile)
	dc.SetPassive(0)
	if err := dc.InitPassiveConnection(context.Background()); err != nil {
		t.Fatalf("InitPassiveConnection: %v", err)
	}

	status := dc.Status()
	for _, want := range []string{"not connected", "bind", "passive mode", "Mode: STREAM", "Type: IMAGE"} {
		if !strings.Contains(status, want) {
			t.Errorf("status %q does not contain %q", status, want)
		}
	}
	if strings.Contains(dc.String(), "\n") {
		t.Fatal("String spans several lines")
	}
}

func TestDataConnNilChannel(t *testing.T) {
	s := newTestSession(t, nil, Options{})
	err := s.dc.SetNewOpenedDataChannel(nil)
	if !IsCannotOpen(err) || !strings.Contains(err.Error(), "Cannot open active data connection") {
		t.Fatalf("SetNewOpenedDataChannel(nil) = %v", err)
	}
}

func TestDataConnClearResetsToActive(t *testing.T) {
	refs := NewSessionReference()
	reg := NewPassiveRegistry(refs)
	reg.SetLogger(testLogger)
	defer reg.Close()
	s := newTestSession(t, nil, Options{Passive: reg, Refs: refs})

	s.dc.SetPassive(0)
	if err := s.dc.InitPassiveConnection(context.Background()); err != nil {
		t.Fatalf("InitPassiveConnection: %v", err)
	}
	local := s.dc.LocalAddr()
	if err := s.dc.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.dc.IsPassiveMode() || s.dc.IsBound() {
		t.Fatal("still passive after Clear")
	}
	if reg.Has(local) || refs.Len() != 0 {
		t.Fatal("passive resources kept after Clear")
	}
}
