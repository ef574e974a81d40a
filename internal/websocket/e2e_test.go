package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/luciancaetano/webmesh"
	"github.com/luciancaetano/webmesh/internal/protocol"
)

// MeshSuite runs a Server and a Client against each other over loopback.
type MeshSuite struct {
	suite.Suite

	serializer webmesh.Serializer
	proto      webmesh.Protocol

	port   int
	server *Server
	client *Client
}

func (s *MeshSuite) SetupTest() {
	s.port = freePort(s.T())
	s.server = s.newServer(ServerConfig{Port: s.port, Serializer: s.serializer, Protocol: s.proto})
	s.client = newTestClient(s.T(), s.server.Addr(), ClientConfig{Serializer: s.serializer, Protocol: s.proto})
	s.Require().NoError(s.await(s.client))
}

func (s *MeshSuite) newServer(cfg ServerConfig) *Server {
	return startServer(s.T(), cfg)
}

func (s *MeshSuite) await(c *Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.AwaitStarted(ctx)
}

func (s *MeshSuite) call(c *Client, target string, payload any) any {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := c.Call(ctx, target, payload)
	s.Require().NoError(err)
	return result
}

func (s *MeshSuite) TestEchoValues() {
	// nil is left out: a nil handler result sends no response
	values := []any{
		true,
		int64(42),
		-0.5,
		"héllo",
		[]any{},
		map[string]any{},
		map[string]any{"blop": int64(56), "list": []any{int64(1), "two", map[string]any{"three": 3.5}}},
	}
	for _, v := range values {
		s.Equal(v, s.call(s.client, "/echo", v))
	}
}

func (s *MeshSuite) TestCounterKeepsOrder() {
	ctx := context.Background()
	s.Require().NoError(s.client.Emit(ctx, "/inc", nil))
	s.Require().NoError(s.client.Emit(ctx, "/inc", nil))

	s.Equal(int64(2), s.call(s.client, "/getinc", nil))
}

func (s *MeshSuite) TestConnectionID() {
	id, ok := s.call(s.client, "/id", nil).(string)
	s.Require().True(ok)

	_, found := s.server.Conn(id)
	s.True(found)
	s.Equal(1, s.server.Len())
}

func (s *MeshSuite) TestNotFound() {
	s.Equal(webmesh.NotFoundResponse, s.call(s.client, "/no/such/route", "x"))
}

func (s *MeshSuite) TestFailingHandlersSendNothing() {
	for _, target := range []string{"/fail", "/panic"} {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := s.client.Call(ctx, target, nil)
		cancel()
		s.ErrorIs(err, context.DeadlineExceeded, target)
	}

	// the server and the connection survive
	s.Equal("still here", s.call(s.client, "/echo", "still here"))
}

func (s *MeshSuite) TestParallelClients() {
	clients := []*Client{s.client}
	for i := 0; i < 2; i++ {
		c := newTestClient(s.T(), s.server.Addr(), ClientConfig{Serializer: s.serializer, Protocol: s.proto})
		s.Require().NoError(s.await(c))
		clients = append(clients, c)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			result, err := c.Call(ctx, "/sleep", int64(500))
			s.NoError(err)
			s.Equal("done", result)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	s.GreaterOrEqual(elapsed, 500*time.Millisecond)
	s.Less(elapsed, 1200*time.Millisecond)
}

func (s *MeshSuite) TestCallAsyncRunsSerially() {
	type result struct {
		value any
		err   error
		at    time.Duration
	}
	results := make(chan result, 2)

	start := time.Now()
	for i := 0; i < 2; i++ {
		s.Require().NoError(s.client.CallAsync("/sleep", int64(300), func(v any, err error) {
			results <- result{value: v, err: err, at: time.Since(start)}
		}))
	}
	// queuing returns immediately
	s.Less(time.Since(start), 100*time.Millisecond)

	first, second := <-results, <-results
	s.NoError(first.err)
	s.NoError(second.err)
	s.Equal("done", first.value)
	s.Equal("done", second.value)
	s.GreaterOrEqual(second.at, 600*time.Millisecond)
	s.GreaterOrEqual(second.at-first.at, 300*time.Millisecond)
}

func (s *MeshSuite) TestCallAsyncFollowUpFromGoroutine() {
	results := make(chan any, 1)
	s.Require().NoError(s.client.CallAsync("/echo", "first", func(v any, err error) {
		s.NoError(err)
		// the callback holds the worker, so the follow-up runs elsewhere
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			next, err := s.client.Call(ctx, "/echo", v.(string)+" then second")
			s.NoError(err)
			results <- next
		}()
	}))

	select {
	case v := <-results:
		s.Equal("first then second", v)
	case <-time.After(5 * time.Second):
		s.Fail("follow-up call did not complete")
	}
}

func (s *MeshSuite) TestTimedOutCallDoesNotLeakResponse() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	_, err := s.client.Call(ctx, "/sleep", int64(400))
	cancel()
	s.Require().ErrorIs(err, context.DeadlineExceeded)

	// the late "done" must not be taken as the answer to this call
	s.Equal("mine", s.call(s.client, "/echo", "mine"))

	// and not later either, once it had time to arrive
	time.Sleep(400 * time.Millisecond)
	s.Equal("again", s.call(s.client, "/echo", "again"))
}

func (s *MeshSuite) TestQueuedEmitGivenUpIsNotSent() {
	done := make(chan error, 1)
	go func() {
		_, err := s.client.Call(context.Background(), "/sleep", int64(300))
		done <- err
	}()
	// let the sleep call occupy the worker
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	err := s.client.Emit(ctx, "/inc", nil)
	cancel()
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().NoError(<-done)

	s.Equal(int64(0), s.call(s.client, "/getinc", nil))
}

func (s *MeshSuite) TestReconnectAfterRestart() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.server.Stop(ctx))

	s.Eventually(func() bool { return s.client.State() != ClientConnected }, 5*time.Second, 10*time.Millisecond)

	s.Require().NoError(s.server.Start(context.Background()))
	s.Require().NoError(s.await(s.client))
	s.Equal("back", s.call(s.client, "/echo", "back"))
}

func (s *MeshSuite) TestCallBeforeServerStarts() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.server.Stop(ctx))
	s.Eventually(func() bool { return s.client.State() != ClientConnected }, 5*time.Second, 10*time.Millisecond)

	type result struct {
		value any
		err   error
	}
	results := make(chan result, 1)
	go func() {
		v, err := s.client.Call(ctx, "/echo", "early")
		results <- result{value: v, err: err}
	}()

	time.Sleep(200 * time.Millisecond)
	s.Require().NoError(s.server.Start(context.Background()))

	r := <-results
	s.Require().NoError(r.err)
	s.Equal("early", r.value)
}

func (s *MeshSuite) TestClientClose() {
	s.Require().NoError(s.client.Close())
	s.Equal(ClientClosed, s.client.State())

	_, err := s.client.Call(context.Background(), "/echo", 1)
	s.ErrorIs(err, webmesh.ErrClientClosed)
	s.Eventually(func() bool { return s.server.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMeshBinary(t *testing.T) {
	suite.Run(t, &MeshSuite{serializer: protocol.Binary{}, proto: protocol.SimpleDict{}})
}

func TestMeshJSON(t *testing.T) {
	suite.Run(t, &MeshSuite{serializer: protocol.JSON{}, proto: protocol.SimpleDict{}})
}

func TestMeshHexNullReply(t *testing.T) {
	suite.Run(t, &MeshSuite{serializer: protocol.Hex{}, proto: protocol.NullReply{}})
}
