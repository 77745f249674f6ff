package lifecycle

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deepsight/agency/internal/dispatch"
	internalhttp "github.com/deepsight/agency/internal/http"
	"github.com/deepsight/agency/internal/transport"
	"github.com/google/go-cmp/cmp"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// startBroker runs an embedded broker for the duration of the test and
// returns its URI.
func startBroker(t *testing.T) (*mochi.Server, string) {
	t.Helper()

	addr := closedAddress(t)

	server := mochi.New(&mochi.Options{InlineClient: true})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatal(err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "test", Address: addr})); err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })

	return server, "tcp://" + addr
}

// collect subscribes to filter on server and returns a channel of the
// payloads published to it.
func collect(t *testing.T, server *mochi.Server, filter string, id int) <-chan string {
	t.Helper()

	payloads := make(chan string, 8)
	err := server.Subscribe(filter, id, func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
		payloads <- string(pk.Payload)
	})
	if err != nil {
		t.Fatal(err)
	}

	return payloads
}

func expectNothing(t *testing.T, payloads <-chan string) {
	t.Helper()

	select {
	case got := <-payloads:
		t.Errorf("unexpected message: %v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDirectivesThroughBroker(t *testing.T) {
	server, uri := startBroker(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	defer srv.Close()

	results := collect(t, server, "demo/result", 1)
	errs := collect(t, server, "demo/error", 2)

	tr, err := transport.NewMQTTTransport(transport.MQTTConfig{
		Brokers:        []string{uri},
		Topics:         []string{"demo"},
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	d := dispatch.NewDispatcher(dispatch.Config{
		ResultTopic: "demo/result",
		ErrorTopic:  "demo/error",
	}, internalhttp.NewHTTPClient(nil, "agencyd/test", 2*time.Second), tr)

	c := New(Config{
		SubscribeTopics: []string{"demo"},
		FlushTimeout:    time.Second,
		Quiesce:         250,
	}, tr, d.Handle, nil, nil)
	n := &notifier{}
	c.notify = n.notify

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := c.Stop(context.Background()); err != nil {
			t.Error(err)
		}
	}()

	t.Run("reachable endpoint", func(t *testing.T) {
		directive := `{"url":"` + srv.URL + `/echo","method":"POST","data":{"a":1}}`
		if err := server.Publish("demo", []byte(directive), false, 0); err != nil {
			t.Fatal(err)
		}

		select {
		case got := <-results:
			want := `{"source":` + directive + `,"data":{"a":1}}`
			if !cmp.Equal(got, want) {
				t.Errorf("%v", cmp.Diff(got, want))
			}
		case <-time.After(5 * time.Second):
			t.Fatal("result not published")
		}
		expectNothing(t, errs)
	})

	t.Run("unreachable endpoint", func(t *testing.T) {
		directive := `{"url":"http://` + closedAddress(t) + `/echo","method":"POST","data":{"a":1}}`
		if err := server.Publish("demo", []byte(directive), false, 0); err != nil {
			t.Fatal(err)
		}

		select {
		case got := <-errs:
			var msg struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal([]byte(got), &msg); err != nil || msg.Error == "" {
				t.Errorf("invalid error message: %v", got)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("error not published")
		}
		expectNothing(t, results)
	})
}
