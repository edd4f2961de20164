package propagation

import (
	"context"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// fakeDNSServer answers TXT queries for one fqdn with one value, on a
// random local UDP port, so the Verifier can be tested without network
// access.
func fakeDNSServer(t *testing.T, fqdn, value string) (addr string, shutdown func()) {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(fqdn), func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if r.Question[0].Qtype == dns.TypeTXT {
			rr, _ := dns.NewRR(dns.Fqdn(fqdn) + " 5 IN TXT \"" + value + "\"")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go server.ActivateAndServe()

	return pc.LocalAddr().String(), func() { server.Shutdown() }
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestVerify_SucceedsWhenAllResolversAgree(t *testing.T) {
	addr, shutdown := fakeDNSServer(t, "_acme-challenge.ucm01.lab.example.com.", "expected-value")
	defer shutdown()

	v := New(testLogger(), WithResolvers([]string{addr, addr}), WithInterval(20*time.Millisecond))

	ok := v.Verify(context.Background(), "_acme-challenge.ucm01.lab.example.com.", "expected-value", dns.TypeTXT, 2*time.Second)
	require.True(t, ok)
}

func TestVerify_FailsOnMismatch(t *testing.T) {
	addr, shutdown := fakeDNSServer(t, "_acme-challenge.ucm01.lab.example.com.", "actual-value")
	defer shutdown()

	v := New(testLogger(), WithResolvers([]string{addr}), WithInterval(20*time.Millisecond))

	ok := v.Verify(context.Background(), "_acme-challenge.ucm01.lab.example.com.", "expected-value", dns.TypeTXT, 150*time.Millisecond)
	require.False(t, ok)
}

func TestVerify_TimesOutWhenResolverUnreachable(t *testing.T) {
	v := New(testLogger(), WithResolvers([]string{"127.0.0.1:1"}), WithInterval(20*time.Millisecond))

	start := time.Now()
	ok := v.Verify(context.Background(), "_acme-challenge.example.com.", "x", dns.TypeTXT, 150*time.Millisecond)
	require.False(t, ok)
	require.Less(t, time.Since(start), 2*time.Second)
}
