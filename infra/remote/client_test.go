package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetalloc/api/allocations"
	"github.com/kilianp07/fleetalloc/auth"
	"github.com/kilianp07/fleetalloc/core/allocation"
	"github.com/kilianp07/fleetalloc/core/assignment"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/fanout"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/reconcile"
	"github.com/kilianp07/fleetalloc/infra/persistence/memory"
)

type server struct {
	*httptest.Server
	svc *allocation.Service
	bus *fanout.Memory
}

func newServer(t *testing.T, token string) *server {
	t.Helper()
	allocation.ResetMetrics(prometheus.NewRegistry())
	ctx := context.Background()
	store, err := assignment.New(ctx, memory.New(), assignment.Config{}, nil)
	require.NoError(t, err)
	bus := fanout.NewMemory(64)
	svc, err := allocation.NewService(store, bus, allocation.Config{}, nil)
	require.NoError(t, err)
	for _, id := range []string{"V1", "V2"} {
		_, _, err := svc.PutVehicle(ctx, model.Vehicle{ID: id, Identifier: id})
		require.NoError(t, err)
	}
	for _, id := range []string{"J1", "J2"} {
		_, _, err := svc.PutJob(ctx, model.Job{ID: id})
		require.NoError(t, err)
	}
	srv := httptest.NewServer(allocations.Server{Service: svc, Events: bus, Token: token}.Router())
	t.Cleanup(srv.Close)
	return &server{Server: srv, svc: svc, bus: bus}
}

func newClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.BackoffMS == 0 {
		cfg.BackoffMS = 5
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{ServerURL: "ftp://x"}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
}

func TestAllocationRoundTrip(t *testing.T) {
	srv := newServer(t, "")
	c := newClient(t, Config{ServerURL: srv.URL})
	ctx := context.Background()

	v, err := c.Assign(ctx, "V1", "J1")
	require.NoError(t, err)
	assert.Equal(t, []string{"J1"}, v.AssignedJobIDs)

	_, err = c.Unassign(ctx, "V2", "J1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = c.AssignIfVersion(ctx, "V2", "J1", 1)
	assert.ErrorIs(t, err, model.ErrConflict)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, snap.CheckConsistency())
	j, _ := snap.Job("J1")
	assert.Equal(t, "V1", j.AssignedVehicleID)

	res, err := c.Move(ctx, allocation.MoveRequest{JobID: "J1", From: "V2", To: "V1"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, allocation.MoveFailed, res.Outcome)

	res, err = c.Move(ctx, allocation.MoveRequest{JobID: "J1", From: "V1", To: "V2"})
	require.NoError(t, err)
	assert.Equal(t, allocation.MoveDone, res.Outcome)
}

func TestLifecycleRoundTrip(t *testing.T) {
	srv := newServer(t, "")
	c := newClient(t, Config{ServerURL: srv.URL})
	ctx := context.Background()

	_, err := c.PutVehicle(ctx, model.Vehicle{ID: "V 3", Identifier: "Truck"})
	require.NoError(t, err)
	_, err = c.PutJob(ctx, model.Job{ID: "J3", Reference: "R3"})
	require.NoError(t, err)
	_, err = c.Assign(ctx, "V 3", "J3")
	require.NoError(t, err)
	j, err := c.SetJobStatus(ctx, "J3", model.JobComplete)
	require.NoError(t, err)
	assert.Equal(t, model.JobComplete, j.Status)

	jobs, err := c.JobsForVehicle(ctx, "V 3", model.JobComplete)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	_, err = c.PutJob(ctx, model.Job{ID: "J3", Status: "weird"})
	assert.ErrorIs(t, err, assignment.ErrInvalid)

	require.NoError(t, c.DeleteVehicle(ctx, "V 3"))
	require.NoError(t, c.DeleteJob(ctx, "J3"))
	assert.ErrorIs(t, c.DeleteJob(ctx, "J3"), model.ErrNotFound)
}

func TestRetriesStorageErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"disk","code":"storage"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"V1","assignedJobIds":["J1"],"version":3}`))
	}))
	defer srv.Close()

	c := newClient(t, Config{ServerURL: srv.URL, MaxRetries: 3})
	v, err := c.Assign(context.Background(), "V1", "J1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v.Version)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job J1 is not on vehicle V1","code":"not_found"}`))
	}))
	defer srv.Close()

	c := newClient(t, Config{ServerURL: srv.URL, MaxRetries: 3})
	_, err := c.Unassign(context.Background(), "V1", "J1")
	require.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransportErrorNotRetried(t *testing.T) {
	c := newClient(t, Config{ServerURL: "http://127.0.0.1:1", TimeoutMS: 200})
	_, err := c.Snapshot(context.Background())
	assert.ErrorIs(t, err, model.ErrTransport)
}

func TestOAuthToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"token123","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()
	srv := newServer(t, "token123")

	c := newClient(t, Config{ServerURL: srv.URL, OAuth: auth.Conf{ClientID: "id", ClientSecret: "s", AuthURL: tokenSrv.URL}})
	_, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	bad := newClient(t, Config{ServerURL: srv.URL, Token: "wrong"})
	_, err = bad.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = bad.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	srv := newServer(t, "tok")
	c := newClient(t, Config{ServerURL: srv.URL, Token: "tok"})
	sub, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	_, err = srv.svc.Assign(context.Background(), "V2", "J2")
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		assert.Equal(t, events.JobAssigned, ev.Kind)
		assert.Equal(t, "V2", ev.VehicleID)
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}

	srv.bus.SignalResync()
	select {
	case <-sub.Resync():
	case <-time.After(2 * time.Second):
		t.Fatalf("no resync")
	}

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool {
		select {
		case _, open := <-sub.Events():
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamReconnectSignalsResync(t *testing.T) {
	var conns atomic.Int32
	up := websocket.Upgrader{}
	ev := events.Assigned(7, model.Vehicle{ID: "V1", AssignedJobIDs: []string{"J1"}, Version: 7}, model.Job{ID: "J1", AssignedVehicleID: "V1", Version: 7})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if conns.Add(1) == 1 {
			_ = conn.WriteJSON(allocations.Frame{Type: allocations.FrameEvent, Event: &ev})
			return
		}
		// keep the second connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newClient(t, Config{ServerURL: srv.URL})
	sub, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case got := <-sub.Events():
		assert.Equal(t, ev.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatalf("no event")
	}
	select {
	case <-sub.Resync():
	case <-time.After(3 * time.Second):
		t.Fatalf("reconnect did not signal resync")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestReconcileClientOverRemote(t *testing.T) {
	srv := newServer(t, "")
	c := newClient(t, Config{ServerURL: srv.URL})
	rc := reconcile.NewClient(c, reconcile.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rc.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	select {
	case <-rc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not ready")
	}

	res, err := rc.Drop(ctx, "J1", "", "V1")
	require.NoError(t, err)
	assert.Equal(t, allocation.MoveDone, res.Outcome)

	// another writer moves the job; the board follows the stream
	_, err = srv.svc.Assign(context.Background(), "V2", "J1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		b, err := rc.Board(ctx)
		if err != nil {
			return false
		}
		on, _ := b.Find("J1")
		return on == "V2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamURL(t *testing.T) {
	c := newClient(t, Config{ServerURL: "https://alloc.example.com/"})
	assert.True(t, strings.HasPrefix(c.streamURL(), "wss://alloc.example.com/api/"))
}
