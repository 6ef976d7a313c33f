package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chkim-su/forge2/internal/workflow"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(Config{}, nil)
	assert.Error(t, err)
}

func TestConnect_UnreachableFailsFast(t *testing.T) {
	start := time.Now()
	_, err := Connect(Config{URL: "nats://127.0.0.1:1", ConnectTimeout: 100 * time.Millisecond}, nil)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPublisher_Subject(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	assert.Equal(t, "forge.workflow.s1.phase_advanced",
		p.Subject(workflow.Event{SessionID: "s1", Type: workflow.EventAdvanced}))
}

func TestPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := Connect(Config{URL: server.ClientURL(), SubjectPrefix: "test"}, nil)
	require.NoError(t, err)
	defer p.Close()

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("test.workflow.s1.>", ch)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	ev := workflow.Event{Type: workflow.EventInitialized, SessionID: "s1", WorkflowID: "wf", Kind: workflow.KindCreation, Revision: 1}
	require.NoError(t, p.Publish(context.Background(), ev))

	select {
	case msg := <-ch:
		assert.Equal(t, "test.workflow.s1.initialized", msg.Subject)
		var got workflow.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "wf", got.WorkflowID)
		assert.Equal(t, workflow.KindCreation, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPublisher_SubscribeFromStore(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	p := NewPublisher(nc, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan workflow.Event, 8)
	require.NoError(t, p.Subscribe(ctx, "session-7", func(ev workflow.Event) { got <- ev }))

	s, err := workflow.NewStore(workflow.DefaultConfig(t.TempDir(), "session-7"), workflow.WithPublisher(p))
	require.NoError(t, err)
	_, err = s.Init(ctx, workflow.KindCreation, nil)
	require.NoError(t, err)
	_, err = s.AdvancePhase(ctx)
	require.NoError(t, err)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-got:
			types = append(types, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, got %v", types)
		}
	}
	assert.Equal(t, []string{workflow.EventInitialized, workflow.EventAdvanced}, types)
}
