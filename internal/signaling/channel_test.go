package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-classroom/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// recorder collects dispatched messages per type.
type recorder struct {
	mu         sync.Mutex
	offers     []models.SignalMessage
	answers    []models.SignalMessage
	candidates []models.SignalMessage
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Offer: func(_ context.Context, m models.SignalMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.offers = append(r.offers, m)
		},
		Answer: func(_ context.Context, m models.SignalMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.answers = append(r.answers, m)
		},
		Candidate: func(_ context.Context, m models.SignalMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.candidates = append(r.candidates, m)
		},
	}
}

func (r *recorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.offers), len(r.answers), len(r.candidates)
}

func candidate(t *testing.T, from, to, classID string, n int) models.SignalMessage {
	t.Helper()
	msg, err := models.NewCandidate(from, to, classID, models.CandidateDescriptor{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.2 %d typ host", n, 50000+n),
	})
	require.NoError(t, err)
	return msg
}

func TestSelfEchoIsNeverDispatched(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var teacherRec, studentRec recorder
	teacher := NewChannel(hub, "teacher-1")
	student := NewChannel(hub, "student-1")
	require.NoError(t, teacher.Subscribe(ctx, "C1", teacherRec.handlers()))
	require.NoError(t, student.Subscribe(ctx, "C1", studentRec.handlers()))
	defer teacher.Unsubscribe()
	defer student.Unsubscribe()

	require.NoError(t, teacher.Send(ctx, models.NewOffer("", "student-1", "", "v=0")))

	require.Eventually(t, func() bool {
		offers, _, _ := studentRec.counts()
		return offers == 1
	}, time.Second, 5*time.Millisecond)

	// give the echo time to arrive at the sender
	time.Sleep(50 * time.Millisecond)
	offers, answers, candidates := teacherRec.counts()
	assert.Zero(t, offers+answers+candidates, "sender must not handle its own echo")

	studentRec.mu.Lock()
	got := studentRec.offers[0]
	studentRec.mu.Unlock()
	assert.Equal(t, "teacher-1", got.From)
	assert.Equal(t, "C1", got.ClassID)
}

func TestDispatchFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	var rec recorder
	ch := NewChannel(hub, "student-1")
	require.NoError(t, ch.Subscribe(ctx, "C1", rec.handlers()))
	defer ch.Unsubscribe()

	raw := func(m models.SignalMessage) []byte {
		data, err := json.Marshal(m)
		require.NoError(t, err)
		return data
	}

	assert.ErrorIs(t, ch.Dispatch(ctx, raw(models.NewOffer("student-1", "", "C1", "v=0"))), ErrSelfMessage)
	assert.ErrorIs(t, ch.Dispatch(ctx, raw(models.NewOffer("teacher-1", "", "C2", "v=0"))), ErrForeignClass)
	assert.ErrorIs(t, ch.Dispatch(ctx, raw(models.NewOffer("teacher-1", "student-9", "C1", "v=0"))), ErrNotAddressed)
	assert.Error(t, ch.Dispatch(ctx, []byte("{not json")))
	assert.ErrorIs(t, ch.Dispatch(ctx, []byte(`{"type":"join","from":"teacher-1","classId":"C1","payload":"x"}`)), models.ErrUnknownSignalType)

	offers, answers, candidates := rec.counts()
	assert.Zero(t, offers+answers+candidates)

	require.NoError(t, ch.Dispatch(ctx, raw(models.NewAnswer("teacher-1", "student-1", "C1", "v=0"))))
	require.NoError(t, ch.Dispatch(ctx, raw(candidate(t, "teacher-1", "", "C1", 1))))
	offers, answers, candidates = rec.counts()
	assert.Equal(t, 0, offers)
	assert.Equal(t, 1, answers)
	assert.Equal(t, 1, candidates)
}

func TestCandidatesArriveInSendOrder(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	var rec recorder
	a := NewChannel(hub, "teacher-1")
	b := NewChannel(hub, "student-1")
	require.NoError(t, a.Subscribe(ctx, "C1", Handlers{}))
	require.NoError(t, b.Subscribe(ctx, "C1", rec.handlers()))
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	for i := 0; i < 20; i++ {
		require.NoError(t, a.Send(ctx, candidate(t, "teacher-1", "student-1", "C1", i)))
	}

	require.Eventually(t, func() bool {
		_, _, n := rec.counts()
		return n == 20
	}, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, m := range rec.candidates {
		c, err := m.Candidate()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(c.Candidate, fmt.Sprintf("candidate:%d ", i)))
	}
}

func TestResubscribesAfterDrop(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	var rec recorder
	ch := NewChannel(hub, "student-1", WithBackOff(zeroBackOff))
	require.NoError(t, ch.Subscribe(ctx, "C1", rec.handlers()))
	defer ch.Unsubscribe()

	hub.Drop("C1")
	require.Eventually(t, func() bool { return hub.Subscribers("C1") == 1 }, time.Second, 5*time.Millisecond)

	sender := NewChannel(hub, "teacher-1")
	require.NoError(t, sender.Send(ctx, models.NewOffer("teacher-1", "student-1", "C1", "v=0")))
	require.Eventually(t, func() bool {
		offers, _, _ := rec.counts()
		return offers == 1
	}, time.Second, 5*time.Millisecond)
}

// flakyTransport lets the first n subscribes through and fails the rest.
type flakyTransport struct {
	*MemoryHub
	mu    sync.Mutex
	allow int
	calls int
}

func (f *flakyTransport) Subscribe(ctx context.Context, classID string) (Subscription, error) {
	f.mu.Lock()
	f.calls++
	ok := f.calls <= f.allow
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return f.MemoryHub.Subscribe(ctx, classID)
}

func TestSubscribeExhaustsRetries(t *testing.T) {
	ft := &flakyTransport{MemoryHub: NewMemoryHub()}
	ch := NewChannel(ft, "student-1", WithMaxRetries(3), WithBackOff(zeroBackOff))

	err := ch.Subscribe(context.Background(), "C1", Handlers{})
	require.Error(t, err)

	var se *SignalingError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "subscribe", se.Op)
	assert.Equal(t, 4, se.Attempts)
	assert.Equal(t, "", ch.ClassID())

	// the channel can be subscribed again once the transport recovers
	ft.mu.Lock()
	ft.allow = 100
	ft.mu.Unlock()
	require.NoError(t, ch.Subscribe(context.Background(), "C1", Handlers{}))
	require.NoError(t, ch.Unsubscribe())
}

func TestDropSurfacesErrorOnlyWhenRetriesExhaust(t *testing.T) {
	ft := &flakyTransport{MemoryHub: NewMemoryHub(), allow: 1}
	errs := make(chan error, 1)
	ch := NewChannel(ft, "student-1",
		WithMaxRetries(2),
		WithBackOff(zeroBackOff),
		WithErrorHandler(func(err error) { errs <- err }))

	require.NoError(t, ch.Subscribe(context.Background(), "C1", Handlers{}))
	ft.Drop("C1")

	select {
	case err := <-errs:
		var se *SignalingError
		assert.True(t, errors.As(err, &se))
	case <-time.After(time.Second):
		t.Fatal("expected a signaling error after retries were exhausted")
	}
	assert.Equal(t, "", ch.ClassID())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	ch := NewChannel(hub, "student-1")
	require.NoError(t, ch.Subscribe(context.Background(), "C1", Handlers{}))
	assert.ErrorIs(t, ch.Subscribe(context.Background(), "C1", Handlers{}), ErrAlreadySubscribed)

	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, ch.Unsubscribe())
	assert.Equal(t, 0, hub.Subscribers("C1"))
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	defer client.Close()
	transport := NewRedisTransport(client)
	ctx := context.Background()

	var rec recorder
	student := NewChannel(transport, "student-1")
	teacher := NewChannel(transport, "teacher-1")
	require.NoError(t, student.Subscribe(ctx, "C1", rec.handlers()))
	defer student.Unsubscribe()

	require.NoError(t, teacher.Send(ctx, models.NewOffer("teacher-1", "student-1", "C1", "v=0")))

	require.Eventually(t, func() bool {
		offers, _, _ := rec.counts()
		return offers == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketTransport(t *testing.T) {
	// a minimal relay: every frame is echoed to all connections
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var conns []*websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			for _, c := range conns {
				c.WriteMessage(websocket.TextMessage, data)
			}
			mu.Unlock()
		}
	}))
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"
	ctx := context.Background()

	var teacherRec, studentRec recorder
	teacher := NewChannel(NewWebSocketTransport(base, "teacher-1", nil), "teacher-1")
	student := NewChannel(NewWebSocketTransport(base, "student-1", nil), "student-1")
	require.NoError(t, teacher.Subscribe(ctx, "C1", teacherRec.handlers()))
	require.NoError(t, student.Subscribe(ctx, "C1", studentRec.handlers()))
	defer teacher.Unsubscribe()
	defer student.Unsubscribe()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, teacher.Send(ctx, models.NewOffer("teacher-1", "student-1", "C1", "v=0")))
	require.Eventually(t, func() bool {
		offers, _, _ := studentRec.counts()
		return offers == 1
	}, time.Second, 5*time.Millisecond)

	offers, _, _ := teacherRec.counts()
	assert.Zero(t, offers)
}

func TestWebSocketPublishNeedsSubscription(t *testing.T) {
	tr := NewWebSocketTransport("ws://127.0.0.1:1/ws/signal", "a", nil)
	err := tr.Publish(context.Background(), "C1", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotSubscribed)
}
