package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/tree-sync-engine/internal/checkout"
	"github.com/example/tree-sync-engine/internal/editable"
	"github.com/example/tree-sync-engine/internal/forest"
	"github.com/example/tree-sync-engine/internal/relay"
	"github.com/example/tree-sync-engine/internal/schema"
	"github.com/example/tree-sync-engine/internal/sequencer"
	"github.com/example/tree-sync-engine/internal/tree"
	"github.com/example/tree-sync-engine/internal/types"
)

const usage = `Tree sync load test.

Replicas edit one document concurrently through a sequencer, then wait for
every replica to apply every edit and compare their trees.

Usage:
    loadtest relay [--url=<url>] --secret=<secret> [options]
    loadtest redis [--redis=<addr>] [options]
    loadtest local [options]
    loadtest -h | --help

Options:
    -h --help             Show this screen.
    --url=<url>           Relay websocket endpoint [default: ws://localhost:8080/ws].
    --secret=<secret>     Relay JWT secret.
    --redis=<addr>        Redis address [default: localhost:6379].
    --document=<id>       Document id, fresh when empty.
    --replicas=<n>        Number of replicas [default: 4].
    --edits=<n>           Transactions per replica [default: 50].
    --seed=<seed>         Random seed [default: 1].
    --timeout=<duration>  How long to wait for convergence [default: 30s].
    --verbose             Log at debug level.
`

var docSchema = schema.NewRepository(
	schema.FieldSchema{Kind: schema.Optional, Types: []tree.NodeType{"list"}},
	schema.TreeSchema{Name: "string", Value: schema.StringValue},
	schema.TreeSchema{Name: "list", Fields: map[tree.FieldKey]schema.FieldSchema{
		"items": {Kind: schema.Sequence, Types: []tree.NodeType{"string"}},
	}},
)

// submitterRef lets a checkout be built before the network client it
// submits through.
type submitterRef struct {
	checkout.Submitter
}

type replica struct {
	id       int
	checkout *checkout.Checkout
	ctx      *editable.Context
	catchUp  func(ctx context.Context, fromSeq uint64) error
	edits    int
}

type options struct {
	Local    bool
	Redis    bool
	URL      string
	Secret   string
	Addr     string
	Document string
	Replicas int
	Edits    int
	Seed     int
	Timeout  time.Duration
	Verbose  bool
}

func parseOptions(args []string) (options, error) {
	parsed, err := docopt.ParseArgs(usage, args, "")
	if err != nil {
		return options{}, err
	}
	var opts options
	opts.Local, _ = parsed.Bool("local")
	opts.Redis, _ = parsed.Bool("redis")
	opts.Verbose, _ = parsed.Bool("--verbose")
	opts.URL, _ = parsed.String("--url")
	opts.Secret, _ = parsed.String("--secret")
	opts.Addr, _ = parsed.String("--redis")
	opts.Document, _ = parsed.String("--document")
	if opts.Replicas, err = parsed.Int("--replicas"); err != nil || opts.Replicas < 1 {
		return options{}, fmt.Errorf("invalid --replicas")
	}
	if opts.Edits, err = parsed.Int("--edits"); err != nil || opts.Edits < 0 {
		return options{}, fmt.Errorf("invalid --edits")
	}
	if opts.Seed, err = parsed.Int("--seed"); err != nil {
		return options{}, fmt.Errorf("invalid --seed: %w", err)
	}
	raw, _ := parsed.String("--timeout")
	if opts.Timeout, err = time.ParseDuration(raw); err != nil {
		return options{}, fmt.Errorf("invalid --timeout: %w", err)
	}
	if opts.Document == "" {
		opts.Document = "loadtest-" + strings.ToLower(string(types.NewEditID()))
	}
	return opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := log.With().Str("document", opts.Document).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	replicas, cleanup, err := connect(ctx, opts, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start replicas")
	}
	defer cleanup()

	start := time.Now()
	if err := run(ctx, replicas, opts, logger); err != nil {
		logger.Fatal().Err(err).Msg("load test failed")
	}
	elapsed := time.Since(start)

	total := replicas[0].checkout.Seq()
	fmt.Fprintf(os.Stdout, "Replicas: %d\nSequenced edits: %d\nElapsed: %s\nEdits/sec: %.1f\n",
		len(replicas), total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())

	if diverged := compare(replicas); len(diverged) > 0 {
		fmt.Fprintf(os.Stdout, "DIVERGED: replicas %v differ from replica 0\n", diverged)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "Converged: all replicas hold the same tree")
}

func connect(ctx context.Context, opts options, logger zerolog.Logger) ([]*replica, func(), error) {
	doc := types.DocumentID(opts.Document)
	replicas := make([]*replica, 0, opts.Replicas)
	var closers []func()
	cleanup := func() {
		for _, r := range replicas {
			r.ctx.Free()
		}
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var local *sequencer.Local
	var redisClient *redis.Client
	switch {
	case opts.Local:
		local = sequencer.NewLocal(logger)
		closers = append(closers, func() { _ = local.Close() })
	case opts.Redis:
		redisClient = redis.NewClient(&redis.Options{Addr: opts.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("redis ping: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
	}

	for i := 0; i < opts.Replicas; i++ {
		client := types.ClientID(fmt.Sprintf("replica-%d", i))
		rlog := logger.With().Str("client", string(client)).Logger()
		f := forest.New(rlog)
		ref := &submitterRef{}
		co := checkout.New(f, ref, rlog, checkout.Options{
			Document: doc,
			Client:   client,
			// Room for every edit of the run, so network deliveries never
			// block on the single driver goroutine.
			InboxSize: opts.Replicas*opts.Edits + 1,
		})
		r := &replica{id: i, checkout: co}

		switch {
		case opts.Local:
			ref.Submitter = local
			closers = append(closers, local.Join(doc, co))
			r.catchUp = func(context.Context, uint64) error { return nil }
		case opts.Redis:
			seq := sequencer.NewRedis(redisClient, rlog)
			ref.Submitter = seq
			closers = append(closers, seq.Join(doc, co.Inbox()), func() { _ = seq.Close() })
			seq.Start(ctx)
			r.catchUp = func(ctx context.Context, fromSeq uint64) error { return seq.CatchUp(ctx, doc, fromSeq) }
		default:
			token, err := relay.IssueToken([]byte(opts.Secret), client, doc, time.Hour)
			if err != nil {
				return nil, cleanup, err
			}
			url := opts.URL + "?document_id=" + string(doc)
			ws, err := sequencer.DialWS(ctx, url, token, 0, co.Inbox(), rlog)
			if err != nil {
				return nil, cleanup, err
			}
			ref.Submitter = ws
			closers = append(closers, func() { _ = ws.Close() })
			r.catchUp = func(_ context.Context, fromSeq uint64) error { return ws.RequestCatchUp(fromSeq) }
		}

		r.ctx = editable.New(f, editable.Options{Checkout: co, Schema: docSchema, Logger: rlog, Ctx: ctx})
		replicas = append(replicas, r)
	}
	return replicas, cleanup, nil
}

func run(ctx context.Context, replicas []*replica, opts options, logger zerolog.Logger) error {
	rng := rand.New(rand.NewSource(int64(opts.Seed)))

	if err := replicas[0].ctx.SetRoot(map[string]any{"items": []any{}}); err != nil {
		return fmt.Errorf("set root: %w", err)
	}
	if err := settle(ctx, replicas, 1, opts.Timeout); err != nil {
		return err
	}

	expected := uint64(1)
	for remaining := true; remaining; {
		remaining = false
		for _, r := range replicas {
			if err := r.checkout.Drain(); err != nil {
				return fmt.Errorf("replica %d: %w", r.id, err)
			}
			if r.edits >= opts.Edits {
				continue
			}
			remaining = true
			if err := r.edit(rng); err != nil {
				return fmt.Errorf("replica %d edit: %w", r.id, err)
			}
			r.edits++
			expected++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	logger.Info().Uint64("expected", expected).Msg("edits submitted; waiting for convergence")
	return settle(ctx, replicas, expected, opts.Timeout)
}

// edit performs one transaction of one to three random sequence edits.
func (r *replica) edit(rng *rand.Rand) error {
	if err := r.ctx.OpenTransaction(); err != nil {
		return err
	}
	for n := 1 + rng.Intn(3); n > 0; n-- {
		root, err := r.ctx.UnwrappedRoot()
		if err != nil {
			return err
		}
		list, ok := root.(*editable.NodeView)
		if !ok || list == nil {
			break
		}
		items, err := list.Field("items")
		if err != nil {
			return err
		}
		size, err := items.Len()
		if err != nil {
			return err
		}
		value := fmt.Sprintf("r%d-%d", r.id, r.edits)
		switch p := rng.Float64(); {
		case size == 0 || p < 0.5:
			_, err = items.Insert(rng.Intn(size+1), value)
		case p < 0.8:
			_, err = items.Delete(rng.Intn(size), 1)
		default:
			var node *editable.NodeView
			if node, err = items.Node(rng.Intn(size)); err == nil {
				_, err = node.SetValue(value)
			}
		}
		if err != nil {
			return err
		}
	}
	return r.ctx.CommitTransaction()
}

// settle drains every replica until each one applied expected edits. Lagging
// replicas ask for catch-up about once a second.
func settle(ctx context.Context, replicas []*replica, expected uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastCatchUp := time.Now()
	for {
		done := true
		for _, r := range replicas {
			if err := r.checkout.Drain(); err != nil {
				return fmt.Errorf("replica %d: %w", r.id, err)
			}
			if r.checkout.Seq() < expected {
				done = false
			}
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %d edits", expected)
		}
		if time.Since(lastCatchUp) > time.Second {
			for _, r := range replicas {
				if from := r.checkout.Seq(); from < expected {
					r := r
					go func() {
						if err := r.catchUp(ctx, from); err != nil {
							log.Warn().Err(err).Int("replica", r.id).Msg("catch-up failed")
						}
					}()
				}
			}
			lastCatchUp = time.Now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func compare(replicas []*replica) []int {
	want := replicas[0].ctx.Forest().Snapshot()
	var diverged []int
	for _, r := range replicas[1:] {
		if !tree.EqualNodes(want, r.ctx.Forest().Snapshot()) {
			diverged = append(diverged, r.id)
		}
	}
	return diverged
}
