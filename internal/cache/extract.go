package cache

import (
	"encoding/json"
	"strings"
)

// extracted holds the indexed metadata columns derived from a payload.
type extracted struct {
	ExternalID string
	Title      string
	Author     string
	Source     string
}

// extractRule pulls indexed metadata out of a raw JSON payload for one
// namespace prefix. Unknown prefixes fall through to the zero-value rule,
// which leaves every column empty — the entry is still stored and
// retrievable by (ns, key), it is simply absent from external_id/
// full-text lookups.
type extractRule struct {
	prefix string
	source string
	fields func(raw map[string]interface{}) (externalID, title, author string)
}

var extractRules = []extractRule{
	{
		prefix: "lib_",
		source: "library",
		fields: func(raw map[string]interface{}) (string, string, string) {
			return str(raw["external_id"]), str(raw["title"]), str(raw["author"])
		},
	},
	{
		prefix: "catalog_",
		source: "catalog",
		fields: func(raw map[string]interface{}) (string, string, string) {
			author := ""
			if authors, ok := raw["authors"].([]interface{}); ok && len(authors) > 0 {
				author = str(authors[0])
			}
			return str(raw["external_id"]), str(raw["title"]), author
		},
	},
	{
		// NamespaceLibrarySubscriptions and NamespaceLibraryWishlist are
		// catalogclient namespaces despite the "library_" prefix — they
		// cache the Catalog's own view of what's owned/wishlisted, not
		// libraryclient data (that lives under "lib_").
		prefix: "library_",
		source: "catalog",
		fields: func(raw map[string]interface{}) (string, string, string) {
			author := ""
			if authors, ok := raw["authors"].([]interface{}); ok && len(authors) > 0 {
				author = str(authors[0])
			}
			return str(raw["external_id"]), str(raw["title"]), author
		},
	},
	{
		prefix: "series_",
		source: "series",
		fields: func(raw map[string]interface{}) (string, string, string) {
			return str(raw["external_id"]), str(raw["title"]), ""
		},
	},
	{
		prefix: "enrich_",
		source: "enrichment",
		fields: func(raw map[string]interface{}) (string, string, string) {
			return str(raw["external_id"]), "", ""
		},
	},
}

// extractMetadata applies the rule keyed by ns's prefix to payload. A
// payload that fails to unmarshal yields only the rule's source tag, with
// no external_id, title or author, rather than an error: the cache still
// stores the raw bytes, it just can't be found by external_id or
// full-text search.
func extractMetadata(ns string, payload []byte) extracted {
	for _, rule := range extractRules {
		if !strings.HasPrefix(ns, rule.prefix) {
			continue
		}
		var raw map[string]interface{}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return extracted{Source: rule.source}
		}
		externalID, title, author := rule.fields(raw)
		return extracted{ExternalID: externalID, Title: title, Author: author, Source: rule.source}
	}
	return extracted{}
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
