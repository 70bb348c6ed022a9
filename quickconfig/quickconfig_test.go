package quickconfig

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peridio/peridio-rat/ipcidr"
	"github.com/peridio/peridio-rat/model"
)

const roundTripConf = `[Interface]
Address=10.0.0.1
ListenPort=8080
PrivateKey=2PSyTqm+3rXzUK+T8jBhgZp9UHjFkgVZv4bXncWMyXY=
# ID=peridio-56X4U4Q
# PublicKey=Pu7ymHtDqF4X9VNjVj9mYFBh/z7LGxY6VQJAGiSEgTM=

[Peer]
AllowedIPs=10.0.0.3/32
PublicKey=h2W8fjxUwZH+G8/Qp/H7kzn4SQz/EJIhOVFMh6mmtX4=
Endpoint=10.0.0.2:8081
PersistentKeepalive=25

# [Peridio]
# TunnelID=prn:1:…
# A = B
# A = C
`

func TestParseRoundTripScenario(t *testing.T) {
	cfg, err := Parse(strings.NewReader(roundTripConf))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	var names []string
	for _, s := range cfg.Sections {
		names = append(names, s.Name)
	}
	want := []string{"Interface", "Peer", "Peridio"}
	if !cmp.Equal(names, want) {
		t.Errorf("section names = %v, want %v", names, want)
	}

	got := GetInExtra(cfg, "Peridio", "A")
	wantKV := []model.KV{{Key: "A", Value: "B"}, {Key: "A", Value: "C"}}
	if !cmp.Equal(got, wantKV) {
		t.Errorf("GetInExtra(Peridio, A) = %v, want %v", got, wantKV)
	}

	d, err := Decode(cfg)
	if err != nil {
		t.Fatalf("Decode: %s", err)
	}
	if d.TunnelID != "prn:1:…" {
		t.Errorf("TunnelID = %q, want %q", d.TunnelID, "prn:1:…")
	}
	if d.Interface.ID != "peridio-56X4U4Q" {
		t.Errorf("Interface.ID = %q, want peridio-56X4U4Q", d.Interface.ID)
	}
	if d.Peer.Endpoint != "10.0.0.2" || d.Peer.Port != 8081 {
		t.Errorf("Peer endpoint/port = %s/%d, want 10.0.0.2/8081", d.Peer.Endpoint, d.Peer.Port)
	}
	if d.Peer.PersistentKeepalive != 25 {
		t.Errorf("PersistentKeepalive = %d, want 25", d.Peer.PersistentKeepalive)
	}
}

func TestBuildThenDecodeRoundTrip(t *testing.T) {
	iface := model.Interface{
		ID:         "peridio-abc1234",
		IPAddress:  mustIP(t, "10.0.0.1"),
		Port:       8080,
		PrivateKey: "2PSyTqm+3rXzUK+T8jBhgZp9UHjFkgVZv4bXncWMyXY=",
		PublicKey:  "Pu7ymHtDqF4X9VNjVj9mYFBh/z7LGxY6VQJAGiSEgTM=",
		Table:      model.TableAuto,
	}
	peer := model.Peer{
		IPAddress:           mustIP(t, "10.0.0.3"),
		Endpoint:            "10.0.0.2",
		Port:                8081,
		PublicKey:           "h2W8fjxUwZH+G8/Qp/H7kzn4SQz/EJIhOVFMh6mmtX4=",
		PersistentKeepalive: 25,
	}
	opts := model.Options{
		Hooks: []model.KV{{Key: "PostUp", Value: "echo up"}},
	}
	cfg := Build(iface, peer, "prn:1:abc", opts)

	text := String(cfg)
	reparsed, err := Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Parse(Build(...)): %s\n%s", err, text)
	}
	d, err := Decode(reparsed)
	if err != nil {
		t.Fatalf("Decode(reparsed): %s", err)
	}
	if !cmp.Equal(d.Interface, iface) {
		t.Errorf("round-tripped Interface = %+v, want %+v", d.Interface, iface)
	}
	if !cmp.Equal(d.Peer, peer) {
		t.Errorf("round-tripped Peer = %+v, want %+v", d.Peer, peer)
	}
	if d.TunnelID != "prn:1:abc" {
		t.Errorf("TunnelID = %q, want prn:1:abc", d.TunnelID)
	}
	if hooks := GetInExtra(reparsed, "Interface", "PostUp"); len(hooks) == 0 {
		t.Error("expected PostUp hook to round-trip as a canonical Interface key")
	}
}

func TestDecodeMissingRequiredKey(t *testing.T) {
	cfg, err := Parse(strings.NewReader("[Interface]\nListenPort=80\n"))
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if _, err := Decode(cfg); err == nil {
		t.Fatal("Decode with missing Address: expected error")
	}
}

func TestParseEmptyFile(t *testing.T) {
	if _, err := Parse(strings.NewReader("\n\n; comment only\n")); err != ErrEmptyFile {
		t.Fatalf("Parse(empty) = %v, want ErrEmptyFile", err)
	}
}

func mustIP(t *testing.T, s string) ipcidr.IP {
	t.Helper()
	ip, err := ipcidr.ParseIP(s)
	if err != nil {
		t.Fatalf("ParseIP(%q): %s", s, err)
	}
	return ip
}
