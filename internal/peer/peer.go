// Package peer delivers hashed chunks and encrypted descriptors to the
// remote sink over a websocket brokered connection. Delivery is
// best-effort: the pipeline logs send failures and moves on, and the
// sink tolerates redelivery on a later pass.
package peer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"sourced/internal/fingerprint"
	"sourced/internal/keys"
)

// Peer accepts outbound transfer traffic for the sink.
type Peer interface {
	// SendChunk attempts delivery of one hashed chunk.
	SendChunk(ctx context.Context, chunk *fingerprint.Chunk) error
	// SendDescriptor attempts delivery of one encrypted descriptor.
	SendDescriptor(ctx context.Context, desc *keys.EncryptedDescriptor) error
	// Close tears the connection down.
	Close() error
}

// Frame kinds on the broker websocket.
const (
	frameChunk      = "chunk"
	frameDescriptor = "descriptor"
)

// frame is the CBOR envelope for one outbound message.
type frame struct {
	Kind       string                    `cbor:"kind"`
	Digest     []byte                    `cbor:"digest,omitempty"`
	Data       []byte                    `cbor:"data,omitempty"`
	Descriptor *keys.EncryptedDescriptor `cbor:"descriptor,omitempty"`
}

// Settings identifies the broker endpoint this source talks to.
type Settings struct {
	// URL is the broker websocket endpoint, e.g. wss://broker:7465/source.
	URL string
	// Token authenticates this source with the broker.
	Token string
	// SourceID names this source in broker routing.
	SourceID string
}

// Conn is a live websocket connection to the broker.
type Conn struct {
	ws *websocket.Conn
}

// dialTimeout bounds the websocket handshake, not individual sends.
const dialTimeout = 30 * time.Second

// Dial connects to the broker and returns a ready peer.
func Dial(ctx context.Context, settings Settings) (*Conn, error) {
	endpoint, err := url.JoinPath(settings.URL, settings.SourceID)
	if err != nil {
		return nil, fmt.Errorf("build broker endpoint: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if settings.Token != "" {
		header.Set("Authorization", "Bearer "+settings.Token)
	}
	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", settings.URL, err)
	}
	// Chunks are larger than the library's 32 KiB default read limit;
	// the broker mirrors this value for its own reads.
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}, nil
}

// maxMessageSize is the broker's message-size ceiling. The pipeline's
// chunk size must stay under this with headroom for the CBOR envelope.
const maxMessageSize = 8 << 20

func (c *Conn) SendChunk(ctx context.Context, chunk *fingerprint.Chunk) error {
	digest := chunk.Digest()
	return c.send(ctx, frame{
		Kind:   frameChunk,
		Digest: digest[:],
		Data:   chunk.Data(),
	})
}

func (c *Conn) SendDescriptor(ctx context.Context, desc *keys.EncryptedDescriptor) error {
	return c.send(ctx, frame{
		Kind:       frameDescriptor,
		Descriptor: desc,
	})
}

func (c *Conn) send(ctx context.Context, f frame) error {
	payload, err := keys.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("send %s frame: %w", f.Kind, err)
	}
	return nil
}

// Close shuts the websocket down cleanly.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "pass complete")
}
