package orderlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns the given instants in order.
func fakeClock(nanos ...int64) func() time.Time {
	i := 0
	return func() time.Time {
		n := nanos[i]
		i++
		return time.Unix(0, n)
	}
}

func TestRecorder_WriteAndReadPartial(t *testing.T) {
	r := NewRecorder()
	r.now = fakeClock(100, 200, 300)
	r.Record(7)
	r.Record(3)
	r.Record(9)
	assert.Equal(t, 3, r.Len())

	path := filepath.Join(t.TempDir(), "order.0")
	require.NoError(t, r.WriteFile(path))

	entries, err := ReadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{100, 7}, {200, 3}, {300, 9}}, entries)
}

func TestReadPartial_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"one field", "100\n"},
		{"three fields", "1 2 3\n"},
		{"not a number", "abc 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := ReadPartial(path)
			assert.Error(t, err)
		})
	}
}

func TestMergeEntries(t *testing.T) {
	tests := []struct {
		name string
		logs map[int][]Entry
		want []Assignment
	}{
		{
			name: "empty",
			logs: map[int][]Entry{},
			want: []Assignment{},
		},
		{
			name: "interleaves by time",
			logs: map[int][]Entry{
				0: {{10, 0}, {30, 2}, {50, 4}},
				1: {{20, 1}, {40, 3}},
			},
			want: []Assignment{{0, 0}, {1, 1}, {0, 2}, {1, 3}, {0, 4}},
		},
		{
			name: "ties broken by rank",
			logs: map[int][]Entry{
				2: {{10, 5}},
				0: {{10, 6}},
				1: {{10, 7}},
			},
			want: []Assignment{{0, 6}, {1, 7}, {2, 5}},
		},
		{
			name: "worker order kept when its clock goes backwards",
			logs: map[int][]Entry{
				0: {{50, 1}, {10, 2}},
				1: {{20, 3}},
			},
			want: []Assignment{{1, 3}, {0, 1}, {0, 2}},
		},
		{
			name: "rank with no entries",
			logs: map[int][]Entry{
				0: nil,
				1: {{5, 9}},
			},
			want: []Assignment{{1, 9}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MergeEntries(tt.logs))
		})
	}
}

func TestMergeEntries_PreservesPerRankOrder(t *testing.T) {
	logs := map[int][]Entry{}
	for rank := 0; rank < 4; rank++ {
		for i := 0; i < 50; i++ {
			logs[rank] = append(logs[rank], Entry{Nanos: int64(i*7 + rank*3), Index: int64(rank*1000 + i)})
		}
	}

	merged := MergeEntries(logs)
	require.Len(t, merged, 200)

	byRank := ByRank(merged)
	for rank, entries := range logs {
		require.Len(t, byRank[rank], len(entries))
		for i, e := range entries {
			assert.Equal(t, e.Index, byRank[rank][i])
		}
	}
}

func TestMerge_AndLoadSlice(t *testing.T) {
	dir := t.TempDir()
	partials := map[int]string{}
	for rank, nanos := range [][]int64{{1, 4}, {2, 3}} {
		r := NewRecorder()
		r.now = fakeClock(nanos...)
		r.Record(int64(rank * 10))
		r.Record(int64(rank*10 + 1))
		path := filepath.Join(dir, "partial."+string(rune('0'+rank)))
		require.NoError(t, r.WriteFile(path))
		partials[rank] = path
	}

	out := filepath.Join(dir, "event_order.txt")
	n, err := Merge(out, partials)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assignments, err := LoadAssignments(out)
	require.NoError(t, err)
	assert.Equal(t, []Assignment{{0, 0}, {1, 10}, {1, 11}, {0, 1}}, assignments)

	slice, err := LoadSlice(out, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, slice)

	slice, err = LoadSlice(out, 5)
	require.NoError(t, err)
	assert.Empty(t, slice)
}

func TestMerge_MissingPartial(t *testing.T) {
	_, err := Merge(filepath.Join(t.TempDir(), "out"), map[int]string{0: "/nonexistent/partial"})
	assert.Error(t, err)
}

func TestLoadSlice_MissingFile(t *testing.T) {
	_, err := LoadSlice(filepath.Join(t.TempDir(), "none"), 0)
	assert.Error(t, err)
}
