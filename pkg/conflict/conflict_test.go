package conflict

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conductorone/baton-offline/pkg/store"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func newResolver(opts ...Option) *Resolver {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(store.NewMemory(), opts...)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []string{"client-wins", "server-wins", "newest-wins", "merge", "manual"} {
		st, err := ParseStrategy(s)
		require.NoError(t, err)
		require.Equal(t, s, st.String())
	}
	_, err := ParseStrategy("coin-flip")
	require.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = newResolver().Resolve(context.Background(), Conflict{}, Strategy("coin-flip"))
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolve_SideStrategies(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Local:  map[string]any{"name": "local"},
		Remote: map[string]any{"name": "remote"},
	}

	res, err := r.Resolve(ctx, c, ClientWins)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, "local", res.Data["name"])

	res, err = r.Resolve(ctx, c, ServerWins)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, "remote", res.Data["name"])
}

func TestResolve_NewestWins(t *testing.T) {
	ctx := context.Background()
	r := newResolver()

	tests := []struct {
		name   string
		local  map[string]any
		remote map[string]any
		want   string
	}{
		{
			name:   "local newer rfc3339",
			local:  map[string]any{"v": "local", "updated_at": "2024-05-01T10:00:00Z"},
			remote: map[string]any{"v": "remote", "updated_at": "2024-05-01T09:00:00Z"},
			want:   "local",
		},
		{
			name:   "remote newer unix millis",
			local:  map[string]any{"v": "local", "timestamp": float64(1714554000000)},
			remote: map[string]any{"v": "remote", "timestamp": float64(1714557600000)},
			want:   "remote",
		},
		{
			name:   "created_at used when updated_at missing",
			local:  map[string]any{"v": "local", "created_at": float64(1714557600)},
			remote: map[string]any{"v": "remote", "created_at": float64(1714554000)},
			want:   "local",
		},
		{
			name:   "tie favours remote",
			local:  map[string]any{"v": "local", "updated_at": "2024-05-01T10:00:00Z"},
			remote: map[string]any{"v": "remote", "updated_at": "2024-05-01T10:00:00Z"},
			want:   "remote",
		},
		{
			name:   "missing timestamp favours remote",
			local:  map[string]any{"v": "local", "updated_at": "2024-05-01T10:00:00Z"},
			remote: map[string]any{"v": "remote"},
			want:   "remote",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(ctx, Conflict{Local: tt.local, Remote: tt.remote}, NewestWins)
			require.NoError(t, err)
			require.True(t, res.Resolved)
			require.Equal(t, tt.want, res.Data["v"])
		})
	}
}

func TestMerge_ThreeWayDisjointChanges(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base:   map[string]any{"id": "t1", "a": "base-a", "b": "base-b", "c": "base-c"},
		Local:  map[string]any{"id": "t1", "a": "local-a", "b": "base-b", "c": "base-c"},
		Remote: map[string]any{"id": "t1", "a": "base-a", "b": "remote-b", "c": "base-c"},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Empty(t, res.FieldConflicts)
	require.Equal(t, map[string]any{
		"id": "t1",
		"a":  "local-a",
		"b":  "remote-b",
		"c":  "base-c",
	}, res.Data)
}

func TestMerge_ThreeWayConflictingChange(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base:   map[string]any{"c": "base", "count": float64(1)},
		Local:  map[string]any{"c": "local value", "count": float64(1)},
		Remote: map[string]any{"c": "remote", "count": float64(1)},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Len(t, res.FieldConflicts, 1)
	require.Equal(t, "c", res.FieldConflicts[0].Path)
	require.Equal(t, "base", res.FieldConflicts[0].Base)
	// Longer string wins as the best-effort value.
	require.Equal(t, "local value", res.Data["c"])
	require.Equal(t, float64(1), res.Data["count"])
}

func TestMerge_Deletion(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base:   map[string]any{"a": "x", "b": "y"},
		Local:  map[string]any{"a": "x"},
		Remote: map[string]any{"a": "x", "b": "y"},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.NotContains(t, res.Data, "b")
}

func TestMerge_Heuristics(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base: map[string]any{
			"tags":      []any{"a"},
			"score":     float64(1),
			"active":    false,
			"synced_at": "2024-01-01T00:00:00Z",
			"kind":      "x",
		},
		Local: map[string]any{
			"tags":      []any{"a", "b"},
			"score":     float64(7),
			"active":    true,
			"synced_at": "2024-03-01T00:00:00Z",
			"kind":      map[string]any{"nested": true},
		},
		Remote: map[string]any{
			"tags":      []any{"c", "a"},
			"score":     float64(3),
			"active":    false,
			"synced_at": "2024-02-01T00:00:00Z",
			"kind":      "y",
		},
	}
	// "active" only changed locally, so it is not a conflict.
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Equal(t, []any{"a", "b", "c"}, res.Data["tags"])
	require.Equal(t, float64(7), res.Data["score"])
	require.Equal(t, true, res.Data["active"])
	require.Equal(t, "2024-03-01T00:00:00Z", res.Data["synced_at"])
	require.Equal(t, "y", res.Data["kind"], "mismatched types fall back to remote")

	paths := make([]string, 0, len(res.FieldConflicts))
	for _, fc := range res.FieldConflicts {
		paths = append(paths, fc.Path)
	}
	require.Equal(t, []string{"kind", "score", "synced_at", "tags"}, paths)
}

func TestMerge_BooleanOr(t *testing.T) {
	data, fields := merge(
		map[string]any{"flag": "unset"},
		map[string]any{"flag": true},
		map[string]any{"flag": false},
		true, fixedNow,
	)
	require.Len(t, fields, 1)
	require.Equal(t, true, data["flag"])
}

func TestMerge_MetadataRules(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base:   map[string]any{"id": "1", "user_id": "u1", "project_id": "p1", "created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-01T00:00:00Z"},
		Local:  map[string]any{"id": "1", "user_id": "u2", "project_id": "p2", "created_at": "2024-01-02T00:00:00Z", "updated_at": "2024-04-01T00:00:00Z"},
		Remote: map[string]any{"id": "1", "user_id": "u3", "project_id": "p3", "created_at": "2024-01-03T00:00:00Z", "updated_at": "2024-04-02T00:00:00Z"},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, "u1", res.Data["user_id"])
	require.Equal(t, "p3", res.Data["project_id"])
	require.Equal(t, "2024-01-01T00:00:00Z", res.Data["created_at"])
	require.Equal(t, fixedNow.Format(time.RFC3339Nano), res.Data["updated_at"])
}

func TestMerge_ForeignKeyChangedOnOneSide(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Base:   map[string]any{"id": "1", "dog_id": "d1", "name": "a"},
		Local:  map[string]any{"id": "1", "dog_id": "d1", "name": "b"},
		Remote: map[string]any{"id": "1", "dog_id": "d2", "name": "a"},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Empty(t, res.FieldConflicts)
	require.Equal(t, "d2", res.Data["dog_id"])
	require.Equal(t, "b", res.Data["name"])

	c.Local, c.Remote = c.Remote, c.Local
	res, err = r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, "d2", res.Data["dog_id"], "a local-only foreign key change is kept")
	require.Equal(t, "b", res.Data["name"])
}

func TestMerge_TwoWay(t *testing.T) {
	ctx := context.Background()
	r := newResolver()
	c := Conflict{
		Local:  map[string]any{"id": "1", "same": "v", "name": "local", "profile": map[string]any{"city": "Oslo", "zip": "0150"}},
		Remote: map[string]any{"id": "1", "same": "v", "name": "remote!", "profile": map[string]any{"city": "Oslo", "zip": "0151"}},
	}
	res, err := r.Resolve(ctx, c, Merge)
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Equal(t, "remote!", res.Data["name"])
	require.Equal(t, map[string]any{"city": "Oslo", "zip": "0151"}, res.Data["profile"])

	paths := []string{}
	for _, fc := range res.FieldConflicts {
		paths = append(paths, fc.Path)
	}
	require.Equal(t, []string{"name", "profile.zip"}, paths)
}

func TestManualReview(t *testing.T) {
	ctx := context.Background()
	r := newResolver(WithMaxManualConflicts(2))

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, Conflict{
			ID:           fmt.Sprintf("c%d", i),
			ResourceType: "task",
			Local:        map[string]any{"v": "local"},
			Remote:       map[string]any{"v": "remote"},
		}, Manual)
		require.NoError(t, err)
		require.True(t, res.RequiresManualReview)
		require.False(t, res.Resolved)
	}

	list, err := r.ManualConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "c1", list[0].ID, "oldest conflict evicted first")
	require.True(t, fixedNow.Equal(list[1].Timestamp))

	_, _, err = r.ResolveManualConflict(ctx, "c1", Manual)
	require.ErrorIs(t, err, ErrUnknownStrategy)

	c, res, err := r.ResolveManualConflict(ctx, "c1", ClientWins)
	require.NoError(t, err)
	require.Equal(t, "task", c.ResourceType)
	require.True(t, res.Resolved)
	require.Equal(t, "local", res.Data["v"])

	list, err = r.ManualConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2, "resolving alone keeps the conflict listed")

	require.NoError(t, r.DismissManualConflict(ctx, "c1"))
	require.ErrorIs(t, r.DismissManualConflict(ctx, "c1"), ErrConflictNotFound)
	_, _, err = r.ResolveManualConflict(ctx, "c1", ClientWins)
	require.ErrorIs(t, err, ErrConflictNotFound)
	_, err = r.ManualConflict(ctx, "c1")
	require.ErrorIs(t, err, ErrConflictNotFound)

	list, err = r.ManualConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "c2", list[0].ID)
}
