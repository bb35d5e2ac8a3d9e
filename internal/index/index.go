// Package index maintains the dedup/search index over persisted items.
// The whole index lives in a single resource and is read-modify-written
// wholesale; one writer at a time is assumed.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/punchlab/punchline/internal/resource"
	"github.com/punchlab/punchline/pkg/schema"
)

const (
	// IndexPath is the relative path of the index resource.
	IndexPath = "index.json"
	// CorpusPrefix is the namespace holding one resource per accepted item.
	CorpusPrefix = "jokes/"
)

// Entry is one persisted item's dedup/search record.
type Entry struct {
	ItemID    string `json:"item_id"`
	URI       string `json:"uri"`
	Score     int    `json:"score"`
	Timestamp string `json:"timestamp"` // RFC 3339
	Text      string `json:"text"`      // normalized
	Hash      string `json:"hash"`      // SHA-256 of normalized text
}

// ResourceAPI is the slice of the resource client the index needs.
type ResourceAPI interface {
	List(ctx context.Context) ([]resource.Descriptor, error)
	ReadText(ctx context.Context, uri string) (string, error)
	Write(ctx context.Context, relativePath, text string) (string, error)
}

// Index persists entries through the resource service.
type Index struct {
	client ResourceAPI
	logger *slog.Logger
}

// New creates an Index backed by the given resource client.
func New(client ResourceAPI, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{client: client, logger: logger}
}

// Normalize lower-cases text and collapses all runs of whitespace to single
// spaces. Two items are duplicates when their normalized forms match.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// HashText returns the hex SHA-256 digest of the normalized text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// ReadAll loads every entry, newest first. A missing index resource yields an
// empty slice, not an error.
func (ix *Index) ReadAll(ctx context.Context) ([]Entry, error) {
	uri, err := ix.findIndexURI(ctx)
	if err != nil {
		return nil, err
	}
	if uri == "" {
		return nil, nil
	}
	text, err := ix.client.ReadText(ctx, uri)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read index: %s", err.Error()).WithCause(err)
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(text), &entries); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode index: %s", err.Error()).WithCause(err)
	}
	return entries, nil
}

// AddOrUpdate inserts the entry, replacing any existing entry with the same
// hash, then writes the whole collection back newest-first.
func (ix *Index) AddOrUpdate(ctx context.Context, entry Entry) error {
	entries, err := ix.ReadAll(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].Hash == entry.Hash {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	sortEntries(entries)
	return ix.writeAll(ctx, entries)
}

// Search returns up to limit entries whose normalized text contains the
// normalized query, newest first. limit <= 0 means no limit.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	entries, err := ix.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	needle := Normalize(query)
	var matches []Entry
	for _, e := range entries {
		if needle == "" || strings.Contains(e.Text, needle) {
			matches = append(matches, e)
			if limit > 0 && len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// Query evaluates a jq expression against the entry collection and returns
// the raw results. The input is the JSON array of entries.
func (ix *Index) Query(ctx context.Context, expression string) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse jq expression %q: %s", expression, err.Error()).WithCause(err)
	}

	entries, err := ix.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	// Round-trip through JSON so gojq sees plain maps.
	raw, _ := json.Marshal(entries)
	var input any
	_ = json.Unmarshal(raw, &input)
	if input == nil {
		input = []any{}
	}

	iter := query.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
		}
		results = append(results, v)
	}
	return results, nil
}

// RebuildFromCorpus re-derives the whole index by re-reading every persisted
// item. Scores and timestamps are not recoverable from the item text, so
// rebuilt entries carry zero values for both — the operation is idempotent:
// the same corpus always produces the same hashes and locators.
func (ix *Index) RebuildFromCorpus(ctx context.Context) ([]Entry, error) {
	descriptors, err := ix.client.List(ctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list corpus: %s", err.Error()).WithCause(err)
	}

	var entries []Entry
	for _, d := range descriptors {
		if !strings.HasPrefix(d.Name, CorpusPrefix) {
			continue
		}
		text, err := ix.client.ReadText(ctx, d.URI)
		if err != nil {
			ix.logger.Warn("rebuild: skipping unreadable item",
				slog.String("uri", d.URI), slog.String("error", err.Error()))
			continue
		}
		normalized := Normalize(text)
		entries = append(entries, Entry{
			ItemID: itemIDFromName(d.Name),
			URI:    d.URI,
			Text:   normalized,
			Hash:   HashText(text),
		})
	}

	// Replace-by-hash: keep the last occurrence per hash.
	byHash := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		if _, seen := byHash[e.Hash]; !seen {
			order = append(order, e.Hash)
		}
		byHash[e.Hash] = e
	}
	deduped := make([]Entry, 0, len(byHash))
	for _, h := range order {
		deduped = append(deduped, byHash[h])
	}

	sortEntries(deduped)
	if err := ix.writeAll(ctx, deduped); err != nil {
		return nil, err
	}
	return deduped, nil
}

func (ix *Index) writeAll(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "encode index: %s", err.Error()).WithCause(err)
	}
	if _, err := ix.client.Write(ctx, IndexPath, string(raw)); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "write index: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (ix *Index) findIndexURI(ctx context.Context) (string, error) {
	descriptors, err := ix.client.List(ctx)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "list resources: %s", err.Error()).WithCause(err)
	}
	for _, d := range descriptors {
		if d.Name == IndexPath {
			return d.URI, nil
		}
	}
	return "", nil
}

// sortEntries orders newest-first, with item ID as a stable tiebreaker.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ItemID > entries[j].ItemID
	})
}

func itemIDFromName(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
