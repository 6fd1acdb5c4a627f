package tree

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/llm"
	"atlas/internal/store"
	"atlas/internal/wiki"
)

type fakeDocLister struct {
	docs map[string][]store.ContextDoc
	err  error
}

func (f *fakeDocLister) ListActiveDocs(_ context.Context, _, sourceType string) ([]store.ContextDoc, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[sourceType], nil
}

type fakeWikiLister struct {
	pages []wiki.Page
	err   error
}

func (f *fakeWikiLister) ListPages(context.Context, string) ([]wiki.Page, error) {
	return f.pages, f.err
}

func TestCollectMergesSourcesAndDedupes(t *testing.T) {
	docs := &fakeDocLister{docs: map[string][]store.ContextDoc{
		store.SourceDatabricks: {
			{DocName: "SQL Master", DocKey: "01_MASTER", SourceType: store.SourceDatabricks, Content: "generated master"},
			{DocName: "Empty Doc", DocKey: "02_SCHEMA", SourceType: store.SourceDatabricks, Content: "   "},
		},
		store.SourceConfigAPIs: {
			{DocName: "Loyalty Master", DocKey: "01_LOYALTY_MASTER", SourceType: store.SourceConfigAPIs, Content: "loyalty reference"},
		},
	}}
	wikiClient := &fakeWikiLister{pages: []wiki.Page{
		{Title: "SQL MASTER", Content: "stale wiki copy"},
		{Title: "Runbook", Content: "wiki runbook"},
		{Title: "Blank", Content: "  "},
	}}

	c := NewCollector(docs, wikiClient, "SPACE", nil)
	entries, prov, err := c.Collect(context.Background(), "org-1")
	require.NoError(t, err)

	require.Len(t, entries, 3)
	assert.Equal(t, "SQL Master", entries[0].Name)
	assert.Equal(t, "01_MASTER", entries[0].SourceDocKey)
	assert.Equal(t, store.SourceDatabricks, entries[0].Source)
	assert.Equal(t, "Loyalty Master", entries[1].Name)
	assert.Equal(t, "wiki", entries[2].Source)
	assert.Equal(t, "wiki runbook", entries[2].Content)

	assert.Equal(t, Provenance{Generated: 2, Wiki: 1, Deduped: 1, Empty: 2}, prov)
}

func TestCollectDecodesBase64Content(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("decoded markdown body"))
	docs := &fakeDocLister{docs: map[string][]store.ContextDoc{
		store.SourceDatabricks: {
			{DocName: "Doc", DocKey: "K", SourceType: store.SourceDatabricks, Content: encoded},
		},
	}}
	c := NewCollector(docs, nil, "", nil)
	entries, _, err := c.Collect(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "decoded markdown body", entries[0].Content)
}

func TestCollectWikiFailureIsNonFatal(t *testing.T) {
	docs := &fakeDocLister{docs: map[string][]store.ContextDoc{
		store.SourceDatabricks: {
			{DocName: "Doc", DocKey: "K", SourceType: store.SourceDatabricks, Content: "body"},
		},
	}}
	c := NewCollector(docs, &fakeWikiLister{err: fmt.Errorf("wiki down")}, "SPACE", nil)
	entries, prov, err := c.Collect(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Zero(t, prov.Wiki)
}

func TestCollectStoreFailureIsFatal(t *testing.T) {
	c := NewCollector(&fakeDocLister{err: fmt.Errorf("db down")}, nil, "", nil)
	_, _, err := c.Collect(context.Background(), "org-1")
	assert.ErrorContains(t, err, "db down")
}

func TestDecodeOpportunistic(t *testing.T) {
	assert.Equal(t, "plain text with spaces", decodeOpportunistic("plain text with spaces"))
	assert.Equal(t, "abcd", decodeOpportunistic("abcd")) // too short to bother

	encoded := base64.StdEncoding.EncodeToString([]byte("printable decoded text"))
	assert.Equal(t, "printable decoded text", decodeOpportunistic(encoded))

	// Valid base64 of non-printable bytes stays as-is.
	binary := base64.StdEncoding.EncodeToString(make([]byte, 12))
	assert.Equal(t, binary, decodeOpportunistic(binary))
}

func TestBuildParsesAndRehydrates(t *testing.T) {
	entries := []ContextEntry{{
		Name: "Doc One", Content: "the full original content of doc one",
		Source: store.SourceDatabricks, SourceDocKey: "01_MASTER",
	}}
	mock := llm.NewMockClient(llm.Response{
		Content: `{"id":"organization_context","name":"Organization Context","type":"root","children":[` +
			`{"id":"sql","name":"SQL","type":"cat","children":[` +
			`{"id":"doc_one","name":"Doc One","type":"leaf","desc":"a short summary","source_doc_key":"01_MASTER"}]}]}`,
		StopReason: llm.StopReasonEnd,
	})
	b := NewBuilder(mock, nil)
	root, usage, err := b.Build(context.Background(), entries, llm.NewCancelEvent())
	require.NoError(t, err)
	require.NotNil(t, usage)

	leaf := FindByID(root, "doc_one")
	require.NotNil(t, leaf)
	// The LLM summary is replaced with the faithful source content.
	assert.Equal(t, "the full original content of doc one", leaf.Desc)
	assert.Equal(t, store.SourceDatabricks, leaf.Source)
}

func TestBuildCancelled(t *testing.T) {
	cancel := llm.NewCancelEvent()
	cancel.Set()
	b := NewBuilder(llm.NewMockClient(), nil)
	_, _, err := b.Build(context.Background(), []ContextEntry{{Name: "Doc", Content: "x"}}, cancel)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildNoEntries(t *testing.T) {
	b := NewBuilder(llm.NewMockClient(), nil)
	_, _, err := b.Build(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestAttachContent(t *testing.T) {
	entries := []ContextEntry{
		{Name: "Alpha", Content: "alpha body", Source: "databricks", SourceDocKey: "A1"},
		{Name: "Beta", Content: "beta body", Source: "wiki"},
	}
	root := analysisTree(
		&Node{ID: "l1", Name: "Renamed", Type: TypeLeaf, SourceDocKey: "A1", Desc: "summary"},
		&Node{ID: "l2", Name: "BETA", Type: TypeLeaf, Desc: "summary"},
		&Node{ID: "l3", Name: "Orphan", Type: TypeLeaf, Desc: "summary stays"},
	)
	AttachContent(root, entries)

	assert.Equal(t, "alpha body", FindByID(root, "l1").Desc)
	assert.Equal(t, "databricks", FindByID(root, "l1").Source)
	assert.Equal(t, "beta body", FindByID(root, "l2").Desc)
	assert.Equal(t, "summary stays", FindByID(root, "l3").Desc)
}

func TestSanitizeParsesArray(t *testing.T) {
	entries := []ContextEntry{
		{Name: "Doc A", Content: "raw a"},
		{Name: "Doc B", Content: "raw b"},
	}
	mock := llm.NewMockClient(llm.Response{
		Content:    "```json\n[{\"name\":\"Doc A\",\"content\":\"clean a\",\"scope\":\"org\"}]\n```",
		StopReason: llm.StopReasonEnd,
	})
	s := NewSanitizer(mock, "make it terse", 1000, nil)
	docs, err := s.Sanitize(context.Background(), entries, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, SanitizedDoc{Name: "Doc A", Content: "clean a", Scope: "org"}, docs[0])
}

func TestSanitizeCancelled(t *testing.T) {
	cancel := llm.NewCancelEvent()
	cancel.Set()
	s := NewSanitizer(llm.NewMockClient(), "", 1000, nil)
	_, err := s.Sanitize(context.Background(), []ContextEntry{{Name: "Doc", Content: "x"}}, cancel)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSanitizeNoEntries(t *testing.T) {
	s := NewSanitizer(llm.NewMockClient(), "", 1000, nil)
	docs, err := s.Sanitize(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestAttachSanitizedProvenance(t *testing.T) {
	entries := []ContextEntry{
		{Name: "Doc A", Content: "raw a"},
		{Name: "Doc B", Content: "raw b"},
	}
	sanitized := []SanitizedDoc{{Name: "doc a", Content: "clean a", Scope: "org"}}
	root := analysisTree(
		&Node{ID: "a", Name: "Doc A", Type: TypeLeaf},
		&Node{ID: "b", Name: "Doc B", Type: TypeLeaf},
	)
	provenance := AttachSanitized(root, entries, sanitized)

	assert.Equal(t, "clean a", FindByID(root, "a").Desc)
	assert.Equal(t, "raw b", FindByID(root, "b").Desc)
	assert.Equal(t, map[string]bool{"a": true, "b": false}, provenance)
}
