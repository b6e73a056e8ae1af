package signal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	natsserver "github.com/nats-io/nats-server/v2/test"
)

func TestWebhookSinkPostsJSON(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	require.NoError(t, sink.Deliver(context.Background(), testSignal("hot", "BTCUSDT")))

	assert.Equal(t, "application/json", gotContentType)
	var body signalBody
	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "hot", body.Rule)
	assert.Equal(t, "BTCUSDT", body.Symbol)
	assert.Equal(t, 12.5, body.Payload["score"])
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	err := sink.Deliver(context.Background(), testSignal("hot", "BTCUSDT"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebhookSinkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sink := NewWebhookSink(srv.URL, 500*time.Millisecond)
	assert.Error(t, sink.Deliver(context.Background(), testSignal("hot", "BTCUSDT")))
}

func TestNATSSinkPublishes(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	recv := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe("signals.matched", recv)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	sink := NewNATSSinkConn(nc, "signals.matched")
	require.NoError(t, sink.Deliver(context.Background(), testSignal("hot", "ETHUSDT")))

	select {
	case msg := <-recv:
		var body signalBody
		require.NoError(t, json.Unmarshal(msg.Data, &body))
		assert.Equal(t, "hot", body.Rule)
		assert.Equal(t, "ETHUSDT", body.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on subject")
	}
}

func TestNATSSinkDisconnected(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)

	nc, err := nats.Connect(s.ClientURL(), nats.MaxReconnects(0))
	require.NoError(t, err)

	sink := NewNATSSinkConn(nc, "signals.matched")
	s.Shutdown()
	nc.Close()

	assert.Error(t, sink.Deliver(context.Background(), testSignal("hot", "BTCUSDT")))
}
