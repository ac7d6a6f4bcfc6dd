package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
)

// ftsDoc is the document shape indexed for full-text search over
// (title, author, ns, key), per §4.1's "synchronized full-text index."
type ftsDoc struct {
	Namespace string `json:"ns"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	Author    string `json:"author"`
}

type fullTextIndex struct {
	index bleve.Index
}

// openFullTextIndex opens an on-disk index at path, or builds an
// in-memory one when path is empty (used by tests and ephemeral caches).
func openFullTextIndex(path string) (*fullTextIndex, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create in-memory fts index: %w", err)
		}
		return &fullTextIndex{index: idx}, nil
	}

	if _, err := os.Stat(path); err == nil {
		idx, openErr := bleve.Open(path)
		if openErr == nil {
			return &fullTextIndex{index: idx}, nil
		}
		// Corrupt index: remove and rebuild rather than fail the cache.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return nil, fmt.Errorf("remove corrupted fts index: %w", rmErr)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fts index directory: %w", err)
	}

	idx, err := bleve.New(path, buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create fts index: %w", err)
	}
	return &fullTextIndex{index: idx}, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = "en"
	docMapping.AddFieldMappingsAt("title", textField)
	docMapping.AddFieldMappingsAt("author", textField)

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("ns", keywordField)
	docMapping.AddFieldMappingsAt("key", keywordField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = docMapping
	return im
}

func ftsDocID(ns, key string) string { return ns + ":" + key }

func (f *fullTextIndex) indexDoc(ns, key, title, author string) error {
	return f.index.Index(ftsDocID(ns, key), ftsDoc{Namespace: ns, Key: key, Title: title, Author: author})
}

func (f *fullTextIndex) delete(ns, key string) error {
	return f.index.Delete(ftsDocID(ns, key))
}

func (f *fullTextIndex) deleteNamespace(ns string) error {
	q := bleve.NewTermQuery(ns)
	q.SetField("ns")
	req := bleve.NewSearchRequest(q)
	req.Size = 10000
	result, err := f.index.Search(req)
	if err != nil {
		return err
	}
	batch := f.index.NewBatch()
	for _, hit := range result.Hits {
		batch.Delete(hit.ID)
	}
	return f.index.Batch(batch)
}

// ftsHit is one ranked full-text search result.
type ftsHit struct {
	Namespace string
	Key       string
	Score     float64
}

func (f *fullTextIndex) search(q string, limit int) ([]ftsHit, error) {
	titleQ := bleve.NewMatchQuery(q)
	titleQ.SetField("title")
	authorQ := bleve.NewMatchQuery(q)
	authorQ.SetField("author")

	disjunction := bleve.NewDisjunctionQuery(titleQ, authorQ)

	req := bleve.NewSearchRequest(disjunction)
	req.Size = limit

	result, err := f.index.Search(req)
	if err != nil {
		return nil, err
	}

	hits := make([]ftsHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ns, key := splitDocID(hit.ID)
		hits = append(hits, ftsHit{Namespace: ns, Key: key, Score: hit.Score})
	}
	return hits, nil
}

// splitDocID splits at the first colon: namespaces never contain one,
// while keys occasionally do (e.g. composite series/book identifiers).
func splitDocID(id string) (ns, key string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}

func (f *fullTextIndex) close() error {
	return f.index.Close()
}
