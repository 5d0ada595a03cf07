package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourced/internal/fingerprint"
	"sourced/internal/keys"
)

// sinkStub accepts one source connection and records decoded frames.
type sinkStub struct {
	t      *testing.T
	frames chan frame
	auth   chan string
	path   chan string
}

func newSinkStub(t *testing.T) (*sinkStub, *httptest.Server) {
	s := &sinkStub{
		t:      t,
		frames: make(chan frame, 16),
		auth:   make(chan string, 1),
		path:   make(chan string, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		s.path <- r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(maxMessageSize)

		ctx := r.Context()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageBinary {
				t.Errorf("got message type %v, want binary", typ)
				return
			}
			var f frame
			if err := keys.Unmarshal(data, &f); err != nil {
				t.Errorf("decode frame: %v", err)
				return
			}
			s.frames <- f
		}
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *sinkStub) nextFrame() frame {
	s.t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(5 * time.Second):
		s.t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

func TestDialSendsCredentialsAndRoute(t *testing.T) {
	sink, srv := newSinkStub(t)

	conn, err := Dial(context.Background(), Settings{
		URL:      wsURL(srv),
		Token:    "s3cret",
		SourceID: "laptop",
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "Bearer s3cret", <-sink.auth)
	assert.Equal(t, "/laptop", <-sink.path)
}

func TestSendChunk(t *testing.T) {
	sink, srv := newSinkStub(t)

	conn, err := Dial(context.Background(), Settings{URL: wsURL(srv), SourceID: "src"})
	require.NoError(t, err)
	defer conn.Close()

	fp, err := fingerprint.New(1)
	require.NoError(t, err)
	chunk := fp.Hash([]byte("chunk payload"))

	require.NoError(t, conn.SendChunk(context.Background(), chunk))

	f := sink.nextFrame()
	assert.Equal(t, frameChunk, f.Kind)
	assert.Equal(t, []byte("chunk payload"), f.Data)
	digest := chunk.Digest()
	assert.Equal(t, digest[:], f.Digest)
	assert.Nil(t, f.Descriptor)
}

func TestSendDescriptor(t *testing.T) {
	sink, srv := newSinkStub(t)

	conn, err := Dial(context.Background(), Settings{URL: wsURL(srv), SourceID: "src"})
	require.NoError(t, err)
	defer conn.Close()

	desc := &keys.EncryptedDescriptor{
		Verified:  []byte{1, 2, 3},
		Signature: []byte{4, 5, 6},
		Protected: []byte{7, 8, 9},
	}
	require.NoError(t, conn.SendDescriptor(context.Background(), desc))

	f := sink.nextFrame()
	assert.Equal(t, frameDescriptor, f.Kind)
	require.NotNil(t, f.Descriptor)
	assert.Equal(t, desc.Verified, f.Descriptor.Verified)
	assert.Equal(t, desc.Signature, f.Descriptor.Signature)
	assert.Equal(t, desc.Protected, f.Descriptor.Protected)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, Settings{URL: "ws://127.0.0.1:1", SourceID: "src"})
	assert.Error(t, err)
}
