package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/fragkit/tasks"
)

func newIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	idx, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestNewDocument(t *testing.T) {
	task, err := tasks.NewTask("job-1", 3, tasks.WithDescription("render frames"))
	require.NoError(t, err)

	f, ok := task.Pick(tasks.ClaimTag("w1/0"))
	require.True(t, ok)
	require.True(t, task.UpdateFragment(f.ID, tasks.StateSuccess))
	_, ok = task.Pick(tasks.ClaimTag("w2/1"))
	require.True(t, ok)

	doc := NewDocument("render", task)
	require.Equal(t, "render", doc.Service)
	require.Equal(t, task.ID(), doc.TaskID)
	require.Equal(t, "job-1", doc.JobID)
	require.Equal(t, "render frames", doc.Description)
	require.False(t, doc.Done)
	require.Equal(t, 3, doc.Fragments)
	require.Equal(t, []string{"pending", "success", "working"}, doc.States)
	require.Equal(t, []string{"w1/0", "w2/1"}, doc.Tags)
	require.InDelta(t, 1.0/3.0, doc.Progress, 1e-9)
}

func TestNewDocument_FromOneSnapshot(t *testing.T) {
	task, err := tasks.NewTask("job-1", 2)
	require.NoError(t, err)
	for {
		f, ok := task.Pick()
		if !ok {
			break
		}
		require.True(t, task.UpdateFragment(f.ID, tasks.StateSuccess))
	}

	doc := NewDocument("render", task)
	rec := task.Snapshot(false)
	require.True(t, doc.Done)
	require.InDelta(t, 1.0, doc.Progress, 1e-9)
	require.Equal(t, rec.Update, doc.Updated.UnixMilli())
	require.Equal(t, rec.Creation, doc.Created.UnixMilli())
}

func TestIndex_ListenerIndexesContainer(t *testing.T) {
	idx := newIndex(t, Config{})
	c := tasks.NewContainer()
	defer c.Close()
	c.Subscribe(idx)

	render, err := c.Create("render", "job-r", 2, false, tasks.WithDescription("render the opening scene"))
	require.NoError(t, err)
	_, err = c.Create("encode", "job-e", 1, false, tasks.WithDescription("encode audio track"))
	require.NoError(t, err)

	n, err := idx.Count()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	ctx := context.Background()

	hits, err := idx.Search(ctx, Query{Text: "scene"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, render.ID(), hits[0].TaskID)
	require.Equal(t, "render", hits[0].Service)
	require.Equal(t, "job-r", hits[0].JobID)

	hits, err = idx.Search(ctx, Query{Service: "encode"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "job-e", hits[0].JobID)

	// finish the render task and filter on completion
	for {
		_, f, ok := c.Pick("render", tasks.PickWith(tasks.ClaimTag("w9/0")))
		if !ok {
			break
		}
		render.UpdateFragment(f.ID, tasks.StateSuccess)
	}

	done := true
	hits, err = idx.Search(ctx, Query{Done: &done})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, render.ID(), hits[0].TaskID)
	require.True(t, hits[0].Done)

	hits, err = idx.Search(ctx, Query{Text: "w9/0"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = idx.Search(ctx, Query{State: tasks.StatePending})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "encode", hits[0].Service)
}

func TestIndex_DescriptionChangeReindexes(t *testing.T) {
	idx := newIndex(t, Config{})
	c := tasks.NewContainer()
	defer c.Close()
	c.Subscribe(idx)

	task, err := c.Create("render", "job-1", 1, false)
	require.NoError(t, err)
	task.SetDescription("thumbnail batch")

	hits, err := idx.Search(context.Background(), Query{Text: "thumbnail"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "thumbnail batch", hits[0].Description)
}

func TestIndex_Eviction(t *testing.T) {
	tests := []struct {
		name          string
		removeOnEvict bool
		want          int
	}{
		{"kept as history", false, 1},
		{"removed", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newIndex(t, Config{RemoveOnEvict: tt.removeOnEvict})
			c := tasks.NewContainer()
			defer c.Close()
			c.Subscribe(idx)

			task, err := c.Create("render", "job-1", 1, false)
			require.NoError(t, err)
			require.True(t, c.Remove("render", task.ID()))

			hits, err := idx.Search(context.Background(), Query{Service: "render"})
			require.NoError(t, err)
			require.Len(t, hits, tt.want)
		})
	}
}

func TestIndex_Limit(t *testing.T) {
	idx := newIndex(t, Config{})
	for i := 0; i < 5; i++ {
		task, err := tasks.NewTask("job", 1)
		require.NoError(t, err)
		require.NoError(t, idx.Put("render", task))
	}

	hits, err := idx.Search(context.Background(), Query{Limit: 3})
	require.NoError(t, err)
	require.Len(t, hits, 3)
}

func TestIndex_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.bleve")

	idx, err := Open(Config{Path: path})
	require.NoError(t, err)
	task, err := tasks.NewTask("job-disk", 1, tasks.WithDescription("persisted"))
	require.NoError(t, err)
	require.NoError(t, idx.Put("render", task))
	require.NoError(t, idx.Close())

	reopened := newIndex(t, Config{Path: path})
	hits, err := reopened.Search(context.Background(), Query{JobID: "job-disk"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "persisted", hits[0].Description)
}
