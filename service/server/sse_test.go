package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/brojonat/xrpgate/service/config"
	"github.com/brojonat/xrpgate/service/db"
	natspkg "github.com/brojonat/xrpgate/service/nats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands each subscription a channel the test writes to.
type fakeSource struct {
	subscribed chan string
	events     chan []byte
	err        error
	closed     bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		subscribed: make(chan string, 1),
		events:     make(chan []byte, 10),
	}
}

func (f *fakeSource) Subscribe(ctx context.Context, subject string) (<-chan []byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subscribed <- subject
	return f.events, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func newSSETestServer(t *testing.T, source *fakeSource) *httptest.Server {
	t.Helper()
	publisher := newSSEPublisher(source, testLogger())
	publisher.keepalive = 20 * time.Millisecond
	srv := New(":0", &config.Config{}, newFakeCustody(), new(MockPayments), &fakeReads{}, publisher, nil, testLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs
}

func paymentEventJSON(t *testing.T, intentID string, status db.IntentStatus) []byte {
	t.Helper()
	data, err := json.Marshal(natspkg.FromIntent(&db.PaymentIntent{
		IntentID:          intentID,
		SourceAddress:     testAddr,
		Status:            status,
		SubmittedSequence: 5,
		LastTxHash:        "H1",
		UpdatedAt:         time.Now(),
	}, db.StatusPending))
	require.NoError(t, err)
	return data
}

func TestStreamPayments_SingleIntent(t *testing.T) {
	source := newFakeSource()
	hs := newSSETestServer(t, source)
	c := client.NewClient(hs.URL, hs.Client(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		subject := <-source.subscribed
		assert.Equal(t, "payments.order-1", subject)
		source.events <- []byte("not json")
		source.events <- paymentEventJSON(t, "order-1", db.StatusSubmitted)
	}()

	stop := errors.New("stop")
	var got []*client.PaymentEvent
	err := c.StreamPayments(ctx, "order-1", func(e *client.PaymentEvent) error {
		got = append(got, e)
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Len(t, got, 1)
	assert.Equal(t, "order-1", got[0].IntentID)
	assert.Equal(t, "submitted", got[0].Status)
	assert.Equal(t, "pending", got[0].FromStatus)
	assert.Equal(t, uint32(5), got[0].Sequence)
}

func TestStreamPayments_AllIntentsAndKeepalive(t *testing.T) {
	source := newFakeSource()
	hs := newSSETestServer(t, source)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", hs.URL+"/api/v1/stream/payments", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, natspkg.StreamSubjects, <-source.subscribed)

	scanner := bufio.NewScanner(resp.Body)
	var sawConnected, sawKeepalive bool
	for scanner.Scan() && !(sawConnected && sawKeepalive) {
		line := scanner.Text()
		switch {
		case line == "event: connected":
			sawConnected = true
		case strings.HasPrefix(line, ": keepalive"):
			sawKeepalive = true
		}
	}
	assert.True(t, sawConnected)
	assert.True(t, sawKeepalive)
}

func TestStreamPayments_SubscribeFailure(t *testing.T) {
	source := newFakeSource()
	source.err = errors.New("stream not found")
	hs := newSSETestServer(t, source)
	c := client.NewClient(hs.URL, hs.Client(), testLogger())

	err := c.StreamPayments(context.Background(), "", func(*client.PaymentEvent) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestStreamPayments_DisabledWithoutPublisher(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, "GET", "/api/v1/stream/payments", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShutdownClosesSSEPublisher(t *testing.T) {
	source := newFakeSource()
	srv := New(":0", nil, newFakeCustody(), new(MockPayments), &fakeReads{}, newSSEPublisher(source, testLogger()), nil, testLogger())
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.True(t, source.closed)
}
