package knowledge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `---
zettel_id: kn-042
title: Retry budget exhaustion
entry_type: learning
tags: [reliability, retries]
relationships:
  - from: kn-042
    to: kn-010
    kind: extends
---

Retrying non-idempotent requests after a timeout can double-apply side
effects; only retry on pre-response failures.
`

func TestParse(t *testing.T) {
	e, err := Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "kn-042", e.ZettelID)
	require.Equal(t, "Retry budget exhaustion", e.Title)
	require.Equal(t, TypeLearning, e.EntryType)
	require.Equal(t, []string{"reliability", "retries"}, e.Tags)
	require.Len(t, e.Relationships, 1)
	require.Equal(t, RelationExtends, e.Relationships[0].Kind)
	require.Contains(t, e.Body, "double-apply side")
}

func TestParse_MissingDelimiter(t *testing.T) {
	_, err := Parse([]byte("no frontmatter here"))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestParse_UnterminatedFrontmatter(t *testing.T) {
	_, err := Parse([]byte("---\nzettel_id: x\n"))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
}

func TestParse_MissingRequiredKey(t *testing.T) {
	bad := "---\ntitle: no id here\nentry_type: concept\n---\nbody\n"
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "zettel_id", schemaErr.Field)
}

func TestParse_InvalidEntryType(t *testing.T) {
	bad := "---\nzettel_id: x\ntitle: t\nentry_type: nonsense\n---\nbody\n"
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "entry_type", schemaErr.Field)
}

func TestParse_InvalidRelationshipKind(t *testing.T) {
	bad := "---\nzettel_id: x\ntitle: t\nentry_type: concept\nrelationships:\n  - from: x\n    to: y\n    kind: bogus\n---\nbody\n"
	_, err := Parse([]byte(bad))
	require.Error(t, err)
	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	require.Equal(t, "relationships", schemaErr.Field)
}
