package ingestudp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/bus"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/model"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

func TestListenAndServeDeliversDatagram(t *testing.T) {
	b := bus.New()
	lg := wlog.NewDiscard()
	r, err := Listen("127.0.0.1", 0, b, lg)
	require.NoError(t, err)
	defer r.Stop()

	got := make(chan model.RawMessage, 1)
	b.Subscribe(bus.TopicMessage, func(ev interface{}) {
		got <- ev.(model.RawMessage)
	})

	go r.Serve()

	conn, err := net.Dial("udp4", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("<14>1 hello world"))
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.Equal(t, "<14>1 hello world", msg.Raw)
		require.NotZero(t, msg.ReceivedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestZeroLengthDatagramProducesNoOutput(t *testing.T) {
	b := bus.New()
	lg := wlog.NewDiscard()
	r, err := Listen("127.0.0.1", 0, b, lg)
	require.NoError(t, err)
	defer r.Stop()

	var got int
	b.Subscribe(bus.TopicMessage, func(ev interface{}) {
		got++
	})
	go r.Serve()

	conn, err := net.Dial("udp4", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, got)
}
