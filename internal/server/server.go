// Package server drives the source agent's transfer pipeline: walk the
// configured roots, decide per file whether anything changed, and
// stream the chunks of changed files to the sink peer.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"sourced/internal/fingerprint"
	"sourced/internal/fsops"
	"sourced/internal/keys"
	"sourced/internal/peer"
	"sourced/internal/store"
)

// ChunkSize is the fixed size of outbound chunks. 2^23 breaks the
// broker's message-size ceiling.
const ChunkSize = 1 << 22

// Server runs one full pass over the configured roots. Build one with
// a Builder; all fields are immutable after construction.
type Server struct {
	roots     []string
	peer      peer.Peer
	fp        *fingerprint.Fingerprinter
	store     *store.Store
	sourceKey *keys.Keys
	log       *slog.Logger
}

// Serve runs exactly one full pass and then shuts the store down. The
// store is shut down even when the pass fails, so the worker never
// leaks and its terminal state is flushed.
func (s *Server) Serve(ctx context.Context) error {
	passErr := s.singlePass(ctx)

	if err := s.store.Shutdown(); err != nil {
		if passErr != nil {
			return fmt.Errorf("%w (store shutdown also failed: %v)", passErr, err)
		}
		return fmt.Errorf("store shutdown: %w", err)
	}
	return passErr
}

// singlePass checks the filesystem once and sends any changed files to
// the sink.
func (s *Server) singlePass(ctx context.Context) error {
	s.log.Info("starting full check", "roots", s.roots)

	// A pass-scoped context releases the walker when the pass aborts
	// while the walker is still blocked emitting an event.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan fsops.WalkEvent, 1)
	walkDone := make(chan error, 1)
	go func() {
		walkDone <- fsops.Walk(ctx, s.roots, events)
	}()

	for {
		select {
		case ev := <-events:
			if err := s.handleWalkEvent(ctx, ev); err != nil {
				return err
			}

		case err := <-walkDone:
			// A failure of the walk itself is logged but still lets
			// the pass finish in order.
			if err != nil {
				s.log.Error("fs walk failure", "error", err)
			}
			// The walker may have parked one last event in the
			// channel buffer before finishing.
			for {
				select {
				case ev := <-events:
					if err := s.handleWalkEvent(ctx, ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// handleWalkEvent routes one walk event: file observations go to
// per-file processing, per-path errors are logged and skipped.
func (s *Server) handleWalkEvent(ctx context.Context, ev fsops.WalkEvent) error {
	if ev.Err != nil {
		s.log.Info("error accessing path", "path", ev.Path, "error", ev.Err)
		return nil
	}
	return s.singleFile(ctx, ev.Info)
}

// singleFile checks a single file and sends it to the sink if it has
// changed. Store, descriptor-encryption, and file-read failures abort
// the whole pass; chunk send failures do not.
func (s *Server) singleFile(ctx context.Context, info fsops.ShallowInfo) error {
	log := s.log.With("path", info.Path())

	change, err := s.store.CheckShallowChange(ctx, info)
	if err != nil {
		return fmt.Errorf("check %s: %w", info.Path(), err)
	}
	if !change.Changed {
		log.Debug("skipping unchanged file")
		return nil
	}
	log.Info("sending changed file", "len", info.Len())

	// The descriptor names the file by its stored identity. The check
	// minted the id if the path was new, so the sink can correlate
	// even a first transfer with every later version of the file.
	var verified keys.VerifiedDescriptor
	verified.Total = 1
	verified.FileID = change.FileID
	if change.Partial != nil {
		verified.Version = change.Partial.Version + 1
	}
	descriptor, err := s.sourceKey.EncryptDescriptor(verified, keys.ProtectedDescriptor{
		Filename: info.Path(),
		Size:     info.Len(),
	})
	if err != nil {
		// A key or configuration problem, not a transient failure.
		return fmt.Errorf("encrypt descriptor for %s: %w", info.Path(), err)
	}
	if err := s.peer.SendDescriptor(ctx, descriptor); err != nil {
		log.Error("failed to send descriptor", "error", err)
	}

	chunks := make(chan []byte, 1)
	readDone := make(chan readResult, 1)
	go func() {
		n, err := fsops.ReadChunks(ctx, info.Path(), ChunkSize, chunks)
		readDone <- readResult{size: n, err: err}
	}()

	for {
		select {
		case data := <-chunks:
			s.sendChunk(ctx, log, data)

		case res := <-readDone:
			// Take the chunk the reader may have parked before
			// finishing.
		drain:
			for {
				select {
				case data := <-chunks:
					s.sendChunk(ctx, log, data)
				default:
					break drain
				}
			}
			if res.err != nil {
				log.Error("failed to read file", "error", res.err)
				return res.err
			}
			// The new version is recorded only now, after every chunk
			// has been handed to the transport. A pass that dies
			// mid-file re-sends the file next time; the sink tolerates
			// redelivery.
			if _, err := s.store.Insert(ctx, info); err != nil {
				return fmt.Errorf("record version for %s: %w", info.Path(), err)
			}
			log.Info("hashed and recorded file", "size", res.size)
			return nil
		}
	}
}

// sendChunk hashes one chunk and hands it to the peer. Delivery is
// best-effort; a failure is logged and the pass moves on.
func (s *Server) sendChunk(ctx context.Context, log *slog.Logger, data []byte) {
	chunk := s.fp.Hash(data)
	log.Debug("hashed chunk", "digest", chunk.Digest())
	if err := s.peer.SendChunk(ctx, chunk); err != nil {
		log.Error("failed to send chunk", "digest", chunk.Digest(), "error", err)
	}
}

type readResult struct {
	size uint64
	err  error
}
