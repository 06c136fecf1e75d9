package fetch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/constellation-viewer/model"
)

// ChunkStream is a lazy, finite, single-pass sequence of chunks. Chunk 0 is
// requested on the first call to Next and tells the stream how many chunks
// exist. The rest are requested in batches: every request of a batch runs
// concurrently, and the batch is yielded in index order only once all of it
// has arrived. The next batch is not requested until the previous one has
// been consumed. Any failure ends the stream.
//
//	s := client.ResolveChunked(ctx, "starlink", offset, 500)
//	for s.Next() {
//		render(s.Chunk())
//	}
//	if err := s.Err(); err != nil { ... }
type ChunkStream struct {
	client     *Client
	ctx        context.Context
	scenarioID string
	offset     time.Duration
	chunkSize  int

	started bool
	done    bool
	total   int
	next    int // next index to request
	pending []model.ChunkedResponse
	cur     model.ChunkedResponse
	err     error
	batches [][]int
}

// ResolveChunked returns a stream over scenarioID at offset split into chunks
// of chunkSize records. Nothing is requested until Next is called; calling
// ResolveChunked again issues fresh requests.
func (c *Client) ResolveChunked(ctx context.Context, scenarioID string, offset time.Duration, chunkSize int) *ChunkStream {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	return &ChunkStream{
		client:     c,
		ctx:        ctx,
		scenarioID: scenarioID,
		offset:     offset,
		chunkSize:  chunkSize,
	}
}

// Next advances to the next chunk. It returns false at the end of the
// sequence or after a failure.
func (s *ChunkStream) Next() bool {
	if s.done {
		return false
	}
	if len(s.pending) == 0 {
		if !s.fill() {
			s.done = true
			return false
		}
	}
	s.cur = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Chunk returns the chunk produced by the last successful Next.
func (s *ChunkStream) Chunk() model.ChunkedResponse { return s.cur }

// Err returns the failure that ended the stream, if any.
func (s *ChunkStream) Err() error { return s.err }

// Total returns the number of chunks reported by chunk 0, or zero before the
// first Next.
func (s *ChunkStream) Total() int { return s.total }

// Batches returns the chunk indexes requested together so far, after chunk 0.
func (s *ChunkStream) Batches() [][]int {
	out := make([][]int, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]int(nil), b...)
	}
	return out
}

func (s *ChunkStream) fill() bool {
	if !s.started {
		s.started = true
		first, err := s.client.fetchChunk(s.ctx, s.scenarioID, s.offset, s.chunkSize, 0)
		if err != nil {
			s.err = err
			return false
		}
		s.total = first.Meta.TotalChunks
		if s.total < 1 {
			s.total = 1
		}
		s.next = 1
		s.pending = append(s.pending, first)
		return true
	}
	if s.next >= s.total {
		return false
	}

	end := s.next + s.client.batchSize
	if end > s.total {
		end = s.total
	}
	batch := make([]model.ChunkedResponse, end-s.next)
	indexes := make([]int, 0, end-s.next)

	g, ctx := errgroup.WithContext(s.ctx)
	for idx := s.next; idx < end; idx++ {
		indexes = append(indexes, idx)
		slot := idx - s.next
		g.Go(func() error {
			chunk, err := s.client.fetchChunk(ctx, s.scenarioID, s.offset, s.chunkSize, idx)
			if err != nil {
				return err
			}
			batch[slot] = chunk
			return nil
		})
	}
	s.batches = append(s.batches, indexes)
	if err := g.Wait(); err != nil {
		s.err = err
		return false
	}
	s.next = end
	s.pending = append(s.pending, batch...)
	return true
}

func (c *Client) fetchChunk(ctx context.Context, scenarioID string, offset time.Duration, size, index int) (model.ChunkedResponse, error) {
	path := positionsPath(scenarioID)
	params := c.positionParams(offset)
	params.Set("chunk_size", strconv.Itoa(size))
	params.Set("chunk_index", strconv.Itoa(index))

	var env model.ChunkEnvelope
	if err := c.getJSON(ctx, EndpointChunk, path, params, &env); err != nil {
		return model.ChunkedResponse{}, err
	}
	chunk := env.Chunk()
	if chunk.Meta.ChunkIndex != index {
		return model.ChunkedResponse{}, fmt.Errorf("%w: requested chunk %d, got %d", ErrChunkOrder, index, chunk.Meta.ChunkIndex)
	}
	if chunk.ScenarioID == "" {
		chunk.ScenarioID = scenarioID
	}
	return chunk, nil
}

// CollectChunks drains s into one PositionSet. Chunks must not repeat ids.
func CollectChunks(s *ChunkStream) (model.PositionSet, error) {
	set := model.PositionSet{ScenarioID: s.scenarioID, TimeOffset: s.offset}
	seen := make(map[string]struct{})
	first := true
	for s.Next() {
		chunk := s.Chunk()
		if first {
			set.Timestamp = chunk.Timestamp
			if chunk.ScenarioID != "" {
				set.ScenarioID = chunk.ScenarioID
			}
			first = false
		}
		for _, rec := range chunk.Data {
			if _, dup := seen[rec.ID]; dup {
				return model.PositionSet{}, fmt.Errorf("%w: %s in chunk %d", ErrDuplicateRecord, rec.ID, chunk.Meta.ChunkIndex)
			}
			seen[rec.ID] = struct{}{}
			set.Records = append(set.Records, rec)
		}
		set.Meta.ComputationTimeMs += chunk.Meta.ComputationTimeMs
	}
	if err := s.Err(); err != nil {
		return model.PositionSet{}, err
	}
	return set, nil
}

// ChunkedResolver adapts a Client to resolve whole sets through chunked
// requests.
type ChunkedResolver struct {
	Client    *Client
	ChunkSize int
}

// Resolve collects every chunk of scenarioID at offset.
func (r ChunkedResolver) Resolve(ctx context.Context, scenarioID string, offset time.Duration) (model.PositionSet, error) {
	return CollectChunks(r.Client.ResolveChunked(ctx, scenarioID, offset, r.ChunkSize))
}
