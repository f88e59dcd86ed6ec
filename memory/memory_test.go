package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-mediator/contract/bus"
	"github.com/next-trace/scg-mediator/mapping"
	"github.com/next-trace/scg-mediator/mediator"
	"github.com/next-trace/scg-mediator/memory"
	"github.com/next-trace/scg-mediator/servicebus"
)

type UserCreated struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type CreateUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserQuery struct {
	ID string `json:"id"`
}

type GetUser struct{ ID string }

type User struct{ ID, Name string }

type UserView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func run(t *testing.T, l *mediator.Launcher) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("launcher did not stop")
		}
	})

	require.Eventually(t, func() bool { return l.State() == mediator.Running }, 2*time.Second, 5*time.Millisecond)
}

func TestNew_ReceiverAndRpcEndToEnd(t *testing.T) {
	s, cleanup := memory.New(memory.WithProgramName("users-service"))
	t.Cleanup(cleanup)

	assert.Equal(t, "users-service", s.Provider.Program())

	mapping.MustRegister(s.Mappings, func(m UserCreated) (CreateUser, error) { return CreateUser(m), nil })
	mapping.MustRegister(s.Mappings, func(q UserQuery) (GetUser, error) { return GetUser{ID: q.ID}, nil })
	mapping.MustRegister(s.Mappings, func(u User) (UserView, error) { return UserView{ID: u.ID, Name: u.Name}, nil })

	var (
		mu    sync.Mutex
		users = map[string]string{}
	)

	require.NoError(t, servicebus.BindCommand(s.Bus, cbus.CommandHandlerFunc[CreateUser](func(_ context.Context, c CreateUser) error {
		mu.Lock()
		users[c.ID] = c.Name
		mu.Unlock()

		return nil
	})))

	require.NoError(t, servicebus.BindCommandResult(s.Bus, cbus.ResultHandlerFunc[GetUser, User](func(_ context.Context, q GetUser) (User, error) {
		mu.Lock()
		defer mu.Unlock()

		return User{ID: q.ID, Name: users[q.ID]}, nil
	})))

	receivers := mediator.NewReceiverSet()
	mediator.Receive[UserCreated, CreateUser](receivers)

	rpcs := mediator.NewRpcSet()
	mediator.Respond[UserQuery, UserView, GetUser, User](rpcs)

	run(t, s.Launcher(mediator.WithReceivers(receivers), mediator.WithRpcs(rpcs)))

	require.NoError(t, mediator.NewSender[UserCreated](s.Broker).Send(t.Context(), UserCreated{ID: "u-1", Name: "Ada"}))

	client := mediator.NewRpcClient[UserQuery, UserView](s.Broker)
	require.Eventually(t, func() bool {
		v, err := client.Request(t.Context(), UserQuery{ID: "u-1"})
		return err == nil && v == UserView{ID: "u-1", Name: "Ada"}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNew_StructuralMappingFallback(t *testing.T) {
	s, cleanup := memory.New(memory.WithStructuralMapping())
	t.Cleanup(cleanup)

	got := make(chan CreateUser, 1)
	require.NoError(t, servicebus.BindCommand(s.Bus, cbus.CommandHandlerFunc[CreateUser](func(_ context.Context, c CreateUser) error {
		select {
		case got <- c:
		default:
		}

		return nil
	})))

	subs := mediator.NewSubscriberSet()
	mediator.Subscribe[UserCreated, CreateUser](subs)

	l := s.Launcher(mediator.WithSubscribers(subs))
	run(t, l)

	pub := mediator.NewPublisher[UserCreated](s.Broker)
	require.Eventually(t, func() bool {
		require.NoError(t, pub.Publish(t.Context(), UserCreated{ID: "u-2", Name: "Grace"}))

		select {
		case c := <-got:
			return assert.Equal(t, CreateUser{ID: "u-2", Name: "Grace"}, c)
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStack_Close(t *testing.T) {
	s, _ := memory.New()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
