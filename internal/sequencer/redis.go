package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/types"
	"github.com/example/tree-sync-engine/internal/wire"
)

const (
	defaultKeyPrefix = "tree:"
	defaultDedupeTTL = 2 * time.Minute
	maxBackoffDelay  = 30 * time.Second
)

type redisMessage struct {
	DocumentID string `json:"document_id"`
	Seq        uint64 `json:"seq"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// Redis sequences edits with an INCR counter per document, keeps them in a
// sorted set for catch-up and fans them out over pub/sub to every instance.
// Subscribers receive sequenced edits on their inbox channel, possibly out
// of order; checkouts reorder them.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	keyPrefix string
	dedupeTTL time.Duration

	mu      sync.Mutex
	inboxes map[types.DocumentID][]chan<- types.SequencedEdit
	cancel  context.CancelFunc

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedis constructs a sequencer backed by Redis.
func NewRedis(client *redis.Client, logger zerolog.Logger) *Redis {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sequencer",
		Name:      "publish_to_deliver_seconds",
		Help:      "Observed latency between sequencing an edit and handing it to local inboxes.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"document_id"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	return &Redis{
		client:    client,
		logger:    logger.With().Str("component", "redis_sequencer").Logger(),
		keyPrefix: defaultKeyPrefix,
		dedupeTTL: defaultDedupeTTL,
		inboxes:   make(map[types.DocumentID][]chan<- types.SequencedEdit),
		seen:      make(map[string]time.Time),
		latency:   histogram,
	}
}

// Join routes sequenced edits of doc into inbox.
func (s *Redis) Join(doc types.DocumentID, inbox chan<- types.SequencedEdit) (leave func()) {
	s.mu.Lock()
	s.inboxes[doc] = append(s.inboxes[doc], inbox)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.inboxes[doc]
		for i, other := range list {
			if other == inbox {
				s.inboxes[doc] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Submit assigns the next sequence number, records the edit and publishes
// it. Publishing retries with exponential backoff.
func (s *Redis) Submit(ctx context.Context, edit types.Edit) error {
	if s == nil || s.client == nil {
		return errors.New("nil sequencer")
	}
	seq, err := s.client.Incr(ctx, s.seqKey(edit.Document)).Uint64()
	if err != nil {
		return fmt.Errorf("assign sequence number: %w", err)
	}
	se := types.SequencedEdit{Seq: seq, Edit: edit, CreatedAt: time.Now().UTC()}
	payload, err := wire.EncodeSequenced(se)
	if err != nil {
		return fmt.Errorf("encode sequenced edit: %w", err)
	}
	encoded, err := json.Marshal(redisMessage{
		DocumentID: string(edit.Document),
		Seq:        seq,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	if err := s.client.ZAdd(ctx, s.logKey(edit.Document), redis.Z{Score: float64(seq), Member: encoded}).Err(); err != nil {
		return fmt.Errorf("record sequenced edit: %w", err)
	}

	topic := s.topic(edit.Document)
	backoff := time.Second
	for {
		if err := s.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// CatchUp re-delivers every recorded edit of doc after fromSeq.
func (s *Redis) CatchUp(ctx context.Context, doc types.DocumentID, fromSeq uint64) error {
	members, err := s.client.ZRangeByScore(ctx, s.logKey(doc), &redis.ZRangeBy{
		Min: strconv.FormatUint(fromSeq+1, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return fmt.Errorf("read sequenced edits: %w", err)
	}
	for _, member := range members {
		if err := s.dispatch(ctx, []byte(member), false); err != nil {
			s.logger.Warn().Err(err).Str("document", string(doc)).Msg("failed to replay sequenced edit")
		}
	}
	return nil
}

// Start begins consuming pub/sub messages until ctx ends or Close is called.
func (s *Redis) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(ctx)
}

// Close stops the subscriber.
func (s *Redis) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Redis) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := s.client.PSubscribe(ctx, s.keyPrefix+"doc:*")
		if err := s.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoffDelay)
		}
	}
}

func (s *Redis) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := s.dispatch(ctx, []byte(msg.Payload), true); err != nil {
				s.logger.Warn().Err(err).Msg("failed to process sequenced edit")
			}
		}
	}
}

func (s *Redis) dispatch(ctx context.Context, raw []byte, dedupe bool) error {
	var msg redisMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if msg.DocumentID == "" || msg.Seq == 0 {
		return errors.New("incomplete payload")
	}
	if dedupe && s.isDuplicate(msg.DocumentID, msg.Seq) {
		return nil
	}
	se, err := wire.DecodeSequenced(msg.Payload)
	if err != nil {
		return err
	}

	if msg.EnqueuedAt > 0 {
		s.latency.WithLabelValues(msg.DocumentID).Observe(time.Since(time.Unix(0, msg.EnqueuedAt)).Seconds())
	}

	s.mu.Lock()
	inboxes := append([]chan<- types.SequencedEdit(nil), s.inboxes[types.DocumentID(msg.DocumentID)]...)
	s.mu.Unlock()
	for _, inbox := range inboxes {
		select {
		case inbox <- se:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Redis) seqKey(doc types.DocumentID) string {
	return s.keyPrefix + "seq:" + string(doc)
}

func (s *Redis) logKey(doc types.DocumentID) string {
	return s.keyPrefix + "log:" + string(doc)
}

func (s *Redis) topic(doc types.DocumentID) string {
	return s.keyPrefix + "doc:" + string(doc)
}

func (s *Redis) isDuplicate(docID string, seq uint64) bool {
	key := docID + ":" + strconv.FormatUint(seq, 10)

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	if ts, ok := s.seen[key]; ok {
		if time.Since(ts) < s.dedupeTTL {
			return true
		}
	}

	s.seen[key] = time.Now()
	cutoff := time.Now().Add(-s.dedupeTTL)
	for k, ts := range s.seen {
		if ts.Before(cutoff) {
			delete(s.seen, k)
		}
	}
	return false
}
