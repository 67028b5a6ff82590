package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/rs/zerolog"

	"github.com/example/tree-sync-engine/internal/editable"
)

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := parseOptions([]string{"local"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	assert.Equal(t, opts.Local, true)
	assert.Equal(t, opts.Replicas, 4)
	assert.Equal(t, opts.Edits, 50)
	assert.Equal(t, opts.Timeout, 30*time.Second)
	assert.Equal(t, strings.HasPrefix(opts.Document, "loadtest-"), true)
}

func TestParseOptionsRejectsBadReplicas(t *testing.T) {
	if _, err := parseOptions([]string{"local", "--replicas=0"}); err == nil {
		t.Fatalf("expected an error for zero replicas")
	}
}

func TestLocalReplicasConverge(t *testing.T) {
	opts, err := parseOptions([]string{"local", "--replicas=3", "--edits=20", "--seed=7", "--timeout=2s"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	logger := zerolog.Nop()
	ctx := context.Background()

	replicas, cleanup, err := connect(ctx, opts, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cleanup()

	if err := run(ctx, replicas, opts, logger); err != nil {
		t.Fatalf("run: %v", err)
	}
	assert.Equal(t, replicas[0].checkout.Seq(), uint64(1+3*20))
	assert.Equal(t, len(compare(replicas)), 0)

	root, err := replicas[2].ctx.UnwrappedRoot()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if _, ok := root.(*editable.NodeView); !ok {
		t.Fatalf("expected the list node at the root, got %T", root)
	}
}
