package engine

import (
	"github.com/arbelos/statomat/internal/chart"
)

// historyManager tracks recorded configurations for shallow and deep history
// states. Shallow history remembers the most recent direct child of the
// parent; deep history remembers the full active leaf set under it.
//
// Only the drain loop touches a history manager, so it carries no lock.
type historyManager struct {
	shallow map[int]int   // history node index -> last active direct child of parent
	deep    map[int][]int // history node index -> active leaves under parent
}

func newHistoryManager() *historyManager {
	return &historyManager{
		shallow: make(map[int]int),
		deep:    make(map[int][]int),
	}
}

// record captures the configuration under a compound node that is about to
// be exited, for every history child it declares.
func (h *historyManager) record(m *chart.Machine, parent int, active map[int]bool) {
	for _, ci := range m.NodeAt(parent).Children {
		hn := m.NodeAt(ci)
		if !hn.IsHistory() {
			continue
		}
		if hn.Type == chart.DeepHistory {
			var leaves []int
			for i := 1; i < m.Len(); i++ {
				if active[i] && len(activeChildren(m, i, active)) == 0 && m.IsDescendant(i, parent) {
					leaves = append(leaves, i)
				}
			}
			if len(leaves) > 0 {
				h.deep[ci] = leaves
			}
		} else {
			for _, sib := range m.NodeAt(parent).Children {
				if active[sib] && !m.NodeAt(sib).IsHistory() {
					h.shallow[ci] = sib
					break
				}
			}
		}
	}
}

// resolve returns the recorded restore targets for a history node, or nil
// when it was never visited (the caller falls back to the compiled default).
func (h *historyManager) resolve(m *chart.Machine, hist int) []int {
	n := m.NodeAt(hist)
	if n.Type == chart.DeepHistory {
		if leaves, ok := h.deep[hist]; ok {
			return leaves
		}
		return nil
	}
	if child, ok := h.shallow[hist]; ok {
		return []int{child}
	}
	return nil
}

// export serializes recorded history as path lists for snapshots.
func (h *historyManager) export(m *chart.Machine) map[string][]string {
	if len(h.shallow) == 0 && len(h.deep) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h.shallow)+len(h.deep))
	for hist, child := range h.shallow {
		out[m.NodeAt(hist).Path] = []string{m.NodeAt(child).Path}
	}
	for hist, leaves := range h.deep {
		paths := make([]string, len(leaves))
		for i, l := range leaves {
			paths[i] = m.NodeAt(l).Path
		}
		out[m.NodeAt(hist).Path] = paths
	}
	return out
}

// restore loads recorded history from a snapshot, ignoring paths the
// supplied machine does not know (the graph is authoritative).
func (h *historyManager) restore(m *chart.Machine, recorded map[string][]string) {
	for histPath, paths := range recorded {
		hn, err := m.Node(histPath)
		if err != nil || !hn.IsHistory() {
			continue
		}
		idxs := make([]int, 0, len(paths))
		for _, p := range paths {
			if n, err := m.Node(p); err == nil {
				idxs = append(idxs, n.Index)
			}
		}
		if len(idxs) == 0 {
			continue
		}
		if hn.Type == chart.DeepHistory {
			h.deep[hn.Index] = idxs
		} else {
			h.shallow[hn.Index] = idxs[0]
		}
	}
}

// activeChildren lists the active direct children of node i.
func activeChildren(m *chart.Machine, i int, active map[int]bool) []int {
	var out []int
	for _, ci := range m.NodeAt(i).Children {
		if active[ci] {
			out = append(out, ci)
		}
	}
	return out
}
