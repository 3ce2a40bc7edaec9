// Package catalog keeps a full-text index of tasks so operators can find
// jobs by description, worker tag or state.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/fragkit/logging"
	"github.com/vinayprograms/fragkit/tasks"
)

// Document is the indexed form of a task.
type Document struct {
	Service     string    `json:"service"`
	TaskID      string    `json:"task_id"`
	JobID       string    `json:"job_id"`
	Description string    `json:"description"`
	Done        bool      `json:"done"`
	States      []string  `json:"states"`
	Tags        []string  `json:"tags"`
	Fragments   int       `json:"fragments"`
	Progress    float64   `json:"progress"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// NewDocument builds the document for a task registered under service.
// Every field comes from one snapshot.
func NewDocument(service string, t *tasks.Task) Document {
	rec := t.Snapshot(true)
	doc := Document{
		Service:     service,
		TaskID:      rec.ID,
		JobID:       rec.Job,
		Description: rec.Description,
		Done:        rec.Done,
		Fragments:   len(rec.Fragments),
		Created:     time.UnixMilli(rec.Creation),
		Updated:     time.UnixMilli(rec.Update),
	}
	states := make(map[string]bool)
	tags := make(map[string]bool)
	terminal := 0
	for _, f := range rec.Fragments {
		states[f.State] = true
		if f.Tag != "" {
			tags[f.Tag] = true
		}
		if tasks.ParseFragmentState(f.State).IsTerminal() {
			terminal++
		}
	}
	if doc.Fragments > 0 {
		doc.Progress = float64(terminal) / float64(doc.Fragments)
	}
	doc.States = sortedKeys(states)
	doc.Tags = sortedKeys(tags)
	return doc
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// docID identifies a task in the index.
func docID(service, taskID string) string {
	return service + "/" + taskID
}

// Config configures an Index.
type Config struct {
	// Path is the index directory. Empty keeps the index in memory.
	Path string

	// RemoveOnEvict drops evicted tasks from the index. By default they
	// stay searchable as history.
	RemoveOnEvict bool

	Logger *logging.Logger
}

// Index is a tasks.Listener that re-indexes a task on every event.
type Index struct {
	index         bleve.Index
	removeOnEvict bool
	log           *logging.Logger

	// serializes snapshot+index so an older document never replaces a newer one
	mu sync.Mutex
}

var _ tasks.Listener = (*Index)(nil)

// Open opens the index at cfg.Path, creating it if needed.
func Open(cfg Config) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case cfg.Path == "":
		idx, err = bleve.NewMemOnly(buildIndexMapping())
	default:
		if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
			idx, err = bleve.New(cfg.Path, buildIndexMapping())
		} else {
			idx, err = bleve.Open(cfg.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open task index: %w", err)
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.New().WithComponent("catalog")
	}
	return &Index{
		index:         idx,
		removeOnEvict: cfg.RemoveOnEvict,
		log:           cfg.Logger,
	}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	kw := bleve.NewKeywordFieldMapping()
	kw.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("description", text)
	for _, f := range []string{"service", "task_id", "job_id", "states", "tags"} {
		doc.AddFieldMappingsAt(f, kw)
	}
	doc.AddFieldMappingsAt("done", bleve.NewBooleanFieldMapping())
	doc.AddFieldMappingsAt("fragments", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("progress", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("created", bleve.NewDateTimeFieldMapping())
	doc.AddFieldMappingsAt("updated", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// OnEvent implements tasks.Listener.
func (x *Index) OnEvent(ev tasks.Event) {
	if ev.Task == nil {
		return
	}
	var err error
	if ev.Kind == tasks.EventTaskEvicted && x.removeOnEvict {
		err = x.Remove(ev.Service, ev.TaskID)
	} else {
		err = x.Put(ev.Service, ev.Task)
	}
	if err != nil {
		x.log.Error("catalog_index_failed", map[string]interface{}{
			"service": ev.Service,
			"task":    ev.TaskID,
			"event":   string(ev.Kind),
			"error":   err.Error(),
		})
	}
}

// Put indexes the current state of t.
func (x *Index) Put(service string, t *tasks.Task) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	doc := NewDocument(service, t)
	return x.index.Index(docID(service, doc.TaskID), doc)
}

// Remove drops a task from the index.
func (x *Index) Remove(service, taskID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Delete(docID(service, taskID))
}

// Count returns the number of indexed tasks.
func (x *Index) Count() (uint64, error) {
	return x.index.DocCount()
}

// Close closes the index.
func (x *Index) Close() error {
	return x.index.Close()
}

// Query selects tasks. Empty fields do not filter.
type Query struct {
	// Text matches the description, job ID and worker tags.
	Text string

	Service string
	JobID   string

	// State keeps tasks with at least one fragment in this state.
	State tasks.FragmentState

	// Done filters on completion when set.
	Done *bool

	// Limit caps the hits. Default: 20.
	Limit int
}

// Hit is one search result.
type Hit struct {
	Service     string
	TaskID      string
	JobID       string
	Description string
	Done        bool
	Score       float64
}

// Search runs q. Without text, hits are ordered by most recent update.
func (x *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	req := bleve.NewSearchRequest(buildQuery(q))
	req.Size = limit
	req.Fields = []string{"service", "task_id", "job_id", "description", "done"}
	if q.Text == "" {
		req.SortBy([]string{"-updated", "_id"})
	}

	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{Score: h.Score}
		hit.Service, _ = h.Fields["service"].(string)
		hit.TaskID, _ = h.Fields["task_id"].(string)
		hit.JobID, _ = h.Fields["job_id"].(string)
		hit.Description, _ = h.Fields["description"].(string)
		hit.Done, _ = h.Fields["done"].(bool)
		hits = append(hits, hit)
	}
	return hits, nil
}

func buildQuery(q Query) query.Query {
	var must []query.Query

	if q.Text != "" {
		desc := bleve.NewMatchQuery(q.Text)
		desc.SetField("description")
		job := bleve.NewTermQuery(q.Text)
		job.SetField("job_id")
		tag := bleve.NewTermQuery(q.Text)
		tag.SetField("tags")
		must = append(must, bleve.NewDisjunctionQuery(desc, job, tag))
	}
	if q.Service != "" {
		must = append(must, term("service", q.Service))
	}
	if q.JobID != "" {
		must = append(must, term("job_id", q.JobID))
	}
	if q.State != tasks.StateUnchanged {
		must = append(must, term("states", string(q.State)))
	}
	if q.Done != nil {
		done := bleve.NewBoolFieldQuery(*q.Done)
		done.SetField("done")
		must = append(must, done)
	}

	if len(must) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewConjunctionQuery(must...)
}

func term(field, value string) query.Query {
	t := bleve.NewTermQuery(value)
	t.SetField(field)
	return t
}
