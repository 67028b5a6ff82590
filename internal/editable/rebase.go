package editable

import (
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/tree-sync-engine/internal/change"
)

type sequenceIndex struct {
	c *Context
}

// SequencedChange rebases the open transaction, if any, over a sequenced
// change the checkout has just applied.
func (i *sequenceIndex) SequencedChange(applied, sequenced change.Changeset) {
	i.c.applySequencedChange(applied, sequenced)
}

// applySequencedChange restates the open transaction on top of a sequenced
// change. The forest holds the local edits with applied on top. Everything
// is rolled back to the state the transaction was opened on, the sequenced
// change is applied there, and each local edit is transformed past the
// sequenced change (as carried forward through the earlier local edits) and
// re-applied through a fresh builder.
func (c *Context) applySequencedChange(applied, sequenced change.Changeset) {
	if c.builder == nil {
		return
	}
	local := c.builder.Changes()
	if len(local) == 0 {
		return
	}

	start := time.Now()
	_, span := tracer.Start(c.base, "editable.rebase")
	defer span.End()
	span.SetAttributes(attribute.Int("local_changes", len(local)), attribute.Int("sequenced_ops", len(sequenced)))

	// applied went in last, so it is undone first.
	undo := make([]change.Changeset, 0, len(local)+1)
	undo = append(undo, local...)
	undo = append(undo, applied)
	rolled, err := c.rollback(undo)
	rollbackOps.Add(float64(rolled))
	if err != nil {
		span.RecordError(err)
		c.logger.Error().Err(err).Msg("rollback during rebase failed; dropping transaction")
		c.builder = nil
		return
	}

	if _, err := c.family.ApplyTo(sequenced, c.forest, c.forest.ApplyDelta); err != nil {
		span.RecordError(err)
		c.logger.Error().Err(err).Msg("re-applying sequenced change failed; dropping transaction")
		c.builder = nil
		return
	}

	builder := change.NewEditBuilder(c.forest, c.forest.ApplyDelta)
	over := sequenced
	for _, edit := range local {
		rebased, next := c.family.Transform(edit, over, true)
		if _, err := builder.Apply(rebased); err != nil {
			span.RecordError(err)
			c.logger.Warn().Err(err).Msg("rebased local edit failed to apply")
		}
		over = next
	}
	c.builder = builder

	rebasesTotal.Inc()
	rebaseSeconds.Observe(time.Since(start).Seconds())
	c.logger.Debug().Int("local_changes", len(local)).Int("kept", len(builder.Changes())).Msg("transaction rebased")
}
