package cleaner

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vhdtools/govhd/vhd"
)

// BackupMetadata is the JSON shape this cleaner reconciles against disk
// (spec section 4.6 phase 3 / spec section 6). `mode` selects which of the
// two payload references below applies. `VHDs` is a JSON object keyed by
// VDI identifier (`{"vdi1": "a.vhd", ...}`), not an array -- the key itself
// carries no meaning here, only the relative paths in its values.
type BackupMetadata struct {
	Mode string            `json:"mode"`
	Size uint64            `json:"size"`
	XVA  string            `json:"xva,omitempty"`
	VHDs map[string]string `json:"vhds,omitempty"`
}

const (
	backupModeFull  = "full"
	backupModeDelta = "delta"
)

// collectMetadata implements phase 3: read every *.json file directly
// under vmDir, mark the VHDs each delta backup references as used (a full
// backup's XVA is only checked for existence; XVAs are not tracked), and
// optionally repair a `size` field that has fallen behind what is actually
// on disk (sizes only ever grow, matching how backups only add data).
func collectMetadata(handler vhd.Handler, vmDir string, infos map[string]*vhdInfo, opts Options) (used map[string]bool, rewritten []string, unlinked []string, err error) {
	used = map[string]bool{}

	jsonPaths, err := handler.List(vmDir, vhd.ListOptions{
		PrependDir: true,
		FilesOnly:  true,
		Filter: func(name string) bool {
			return strings.EqualFold(filepath.Ext(name), ".json")
		},
	})
	if err != nil {
		return nil, nil, nil, err
	}

	for _, jsonPath := range jsonPaths {
		data, readErr := handler.ReadFile(jsonPath)
		if readErr != nil {
			opts.logErr(readErr, "skipping unreadable backup metadata (%s)", jsonPath)
			continue
		}

		var meta BackupMetadata
		if unmarshalErr := json.Unmarshal(data, &meta); unmarshalErr != nil {
			opts.logErr(unmarshalErr, "skipping malformed backup metadata (%s)", jsonPath)
			continue
		}

		var ok bool
		var actualSize uint64

		switch meta.Mode {
		case backupModeFull:
			ok, actualSize = resolveFullBackup(handler, vmDir, meta)
		case backupModeDelta:
			ok, actualSize = resolveDeltaBackup(handler, vmDir, meta, infos, used)
		default:
			opts.logf("skipping backup metadata (%s) with unrecognized mode (%s)", jsonPath, meta.Mode)
			continue
		}

		if !ok {
			opts.logf("backup metadata (%s) references a missing payload", jsonPath)

			if opts.Remove {
				if unlinkErr := handler.Unlink(jsonPath); unlinkErr == nil {
					unlinked = append(unlinked, jsonPath)
				}
			}

			continue
		}

		if opts.FixMetadata && actualSize > meta.Size {
			meta.Size = actualSize

			rewrittenData, marshalErr := json.Marshal(meta)
			if marshalErr != nil {
				opts.logErr(marshalErr, "failed to re-encode backup metadata (%s)", jsonPath)
				continue
			}

			if writeErr := handler.WriteFile(jsonPath, rewrittenData); writeErr != nil {
				opts.logErr(writeErr, "failed to rewrite backup metadata (%s)", jsonPath)
				continue
			}

			rewritten = append(rewritten, jsonPath)
		}
	}

	return used, rewritten, unlinked, nil
}

// resolveFullBackup reports whether meta's XVA payload exists, returning
// its current size for the optional size-repair pass. It does not record
// the XVA in any used set.
func resolveFullBackup(handler vhd.Handler, vmDir string, meta BackupMetadata) (ok bool, size uint64) {
	if meta.XVA == "" {
		return false, 0
	}

	xvaPath := filepath.Join(vmDir, meta.XVA)

	actual, err := handler.GetSize(xvaPath)
	if err != nil {
		return false, 0
	}

	return true, uint64(actual)
}

// resolveDeltaBackup marks every VHD meta references as used if every one
// of them survived phases 1-2, summing their on-disk sizes for repair. A
// delta backup whose chain includes any now-missing VHD is entirely
// unresolved: its size can no longer be trusted, so nothing is marked used.
func resolveDeltaBackup(handler vhd.Handler, vmDir string, meta BackupMetadata, infos map[string]*vhdInfo, used map[string]bool) (ok bool, size uint64) {
	if len(meta.VHDs) == 0 {
		return false, 0
	}

	keys := make([]string, 0, len(meta.VHDs))
	for key := range meta.VHDs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	resolved := make([]string, 0, len(meta.VHDs))

	for _, key := range keys {
		p := filepath.Join(vmDir, meta.VHDs[key])

		if _, exists := infos[p]; !exists {
			return false, 0
		}

		resolved = append(resolved, p)
	}

	for _, p := range resolved {
		used[p] = true
	}

	var total uint64

	for _, p := range resolved {
		fileSize, err := handler.GetSize(p)
		if err != nil {
			// One member vanished between the phase-1 scan and here; the
			// chain is still "used" (its VHDs exist), just not repairable
			// right now.
			return true, 0
		}

		total += uint64(fileSize)
	}

	return true, total
}
