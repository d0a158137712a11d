package orderlog

import "fmt"

// LoadAssignments reads a merged order file.
func LoadAssignments(path string) ([]Assignment, error) {
	var out []Assignment
	err := scanPairs(path, func(rank, index int64) {
		out = append(out, Assignment{Rank: int(rank), Index: index})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load order file: %w", err)
	}
	return out, nil
}

// LoadSlice returns, in order, the events the worker with the given rank
// processed in the recorded run.
func LoadSlice(path string, rank int) ([]int64, error) {
	assignments, err := LoadAssignments(path)
	if err != nil {
		return nil, err
	}

	var slice []int64
	for _, a := range assignments {
		if a.Rank == rank {
			slice = append(slice, a.Index)
		}
	}
	return slice, nil
}

// ByRank groups a merged order by worker rank, keeping each rank's order.
func ByRank(assignments []Assignment) map[int][]int64 {
	out := make(map[int][]int64)
	for _, a := range assignments {
		out[a.Rank] = append(out[a.Rank], a.Index)
	}
	return out
}
