package cleaner

import (
	"sort"
)

// MergeChain is one merge candidate, ordered oldest-to-newest: Chain[0] is
// the root ancestor the merge starts from, Chain[len-1] is the path the
// fully-collapsed result ends up living at. Every element but the last is
// consumed (renamed through) by execution; the last may itself already be
// "used" -- that's the point, it's the VHD something still depends on.
type MergeChain struct {
	Chain []string
}

// buildMergePlan implements phase 4. An "unused VHD" is one no surviving
// backup JSON references. Each maximal run of unused VHDs, plus the first
// used (or leafless) descendant it leads to, becomes a MergeChain. Every
// interrupted-merge sidecar additionally contributes its own two-element
// chain, so the merger resumes the work it started even if both sides are
// independently "used" by now -- unless either VHD of that pair already
// belongs to an unused-run chain above, in which case queuing the pair too
// would merge the same VHD twice.
func buildMergePlan(infos map[string]*vhdInfo, used map[string]bool, interrupted map[string]bool) []MergeChain {
	childOf := map[string]string{}

	for path, info := range infos {
		if info.parentPath != "" {
			childOf[info.parentPath] = path
		}
	}

	paths := make([]string, 0, len(infos))
	for path := range infos {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var plan []MergeChain
	queued := map[string]bool{}

	for _, path := range paths {
		info := infos[path]

		if used[path] {
			continue
		}

		// Only start from the root of an unused run: a VHD whose parent is
		// either absent, or itself used -- otherwise this node will be
		// reached as part of its parent's walk.
		if info.parentPath != "" {
			if parentInfo, exists := infos[info.parentPath]; exists && !used[parentInfo.path] {
				continue
			}
		}

		chain := []string{path}
		cur := path

		for {
			next, hasChild := childOf[cur]
			if !hasChild {
				break
			}

			chain = append(chain, next)
			cur = next

			if used[next] {
				break
			}
		}

		if len(chain) >= 2 {
			plan = append(plan, MergeChain{Chain: chain})

			for _, p := range chain {
				queued[p] = true
			}
		}
	}

	for childPath := range interrupted {
		info, exists := infos[childPath]
		if !exists || info.parentPath == "" {
			continue
		}

		if _, parentExists := infos[info.parentPath]; !parentExists {
			continue
		}

		if queued[info.parentPath] || queued[childPath] {
			continue
		}

		plan = append(plan, MergeChain{Chain: []string{info.parentPath, childPath}})
	}

	return plan
}
