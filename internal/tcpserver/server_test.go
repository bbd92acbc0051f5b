package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/model"
)

type memStore struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (s *memStore) Append(_ context.Context, env *model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *memStore) raws() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.envs))
	for _, e := range s.envs {
		out = append(out, string(e.Raw))
	}
	return out
}

func TestNewServer_DefaultLocalhostAddress(t *testing.T) {
	t.Parallel()

	s := NewServer("", nil)
	assert.Equal(t, "127.0.0.1:4000", s.Addr())
}

func TestNewServer_UsesConfiguredAddressAndBuffers(t *testing.T) {
	t.Parallel()

	s := NewServer("0.0.0.0:5001", nil, ServerConfig{
		LineChannelSize: 64,
		MaxLineSize:     2048,
	})
	assert.Equal(t, "0.0.0.0:5001", s.Addr())
	assert.Equal(t, 64, cap(s.lineChan))
	assert.Equal(t, 2048, s.maxLineSize)
}

func TestServer_IngestsLinesInOrder(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	s := NewServer("127.0.0.1:0", ingest.NewPipeline(store, nil))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, "{\"n\":%d}\n", i)
		require.NoError(t, err)
	}
	_, err = conn.Write([]byte("not json\n\n\"scalar\"\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return len(store.raws()) == 5 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}, store.raws())

	require.NoError(t, s.Stop())
	assert.Equal(t, ingest.SourceTCP, store.envs[0].Source)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", ingest.NewPipeline(&memStore{}, nil))
	require.NoError(t, s.Start())

	// An idle client must not block shutdown.
	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestToRecord(t *testing.T) {
	t.Parallel()
	assert.NoError(t, toRecord([]byte(`{"a":1}`)).Err)
	assert.Error(t, toRecord([]byte(`{"a":`)).Err)
}

type tempErr struct{}

func (tempErr) Error() string   { return "too many open files" }
func (tempErr) Timeout() bool   { return false }
func (tempErr) Temporary() bool { return true }

// failingListener fails Accept with a temporary error a few times, then
// with a permanent one.
type failingListener struct {
	temporary int
	calls     int
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls++
	if l.calls <= l.temporary {
		return nil, tempErr{}
	}
	return nil, errors.New("listener broken")
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServe_BacksOffOnTemporaryAcceptErrors(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", ingest.NewPipeline(&memStore{}, nil))
	lis := &failingListener{temporary: 3}
	s.listener = lis

	start := time.Now()
	err := s.Serve()
	assert.ErrorContains(t, err, "listener broken")
	assert.Equal(t, 4, lis.calls)
	// 5ms + 10ms + 20ms of backoff.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestNextAcceptDelay(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 5*time.Millisecond, nextAcceptDelay(0))
	assert.Equal(t, 10*time.Millisecond, nextAcceptDelay(5*time.Millisecond))
	assert.Equal(t, time.Second, nextAcceptDelay(800*time.Millisecond))
	assert.Equal(t, time.Second, nextAcceptDelay(time.Second))
}

func TestServe_ReturnsNilAfterStop(t *testing.T) {
	t.Parallel()
	s := NewServer("127.0.0.1:0", ingest.NewPipeline(&memStore{}, nil))
	assert.Error(t, s.Serve(), "Serve before Listen")

	require.NoError(t, s.Listen())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	require.NoError(t, s.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}
