package model

import (
	"archive/zip"
	"fmt"
	"log"
	"path"
	"slices"
	"strings"

	"github.com/stevecastle/spadeval/npyfile"
)

// StateDictPrefix is the key prefix of a wrapped checkpoint, the .npz
// equivalent of a {"state_dict": ...} mapping.
const StateDictPrefix = "state_dict/"

// StateDict maps parameter names to tensors.
type StateDict map[string]*npyfile.Array

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// LoadCheckpoint reads a .npz checkpoint. Entries under StateDictPrefix are
// used when present; otherwise the whole archive is taken as the state dict.
func LoadCheckpoint(p string) (StateDict, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint %s: %w", p, err)
	}
	defer zr.Close()

	raw := make(StateDict)
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || path.Ext(f.Name) != ".npy" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in checkpoint: %w", f.Name, err)
		}
		arr, err := npyfile.Read(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("checkpoint entry %s: %w", f.Name, err)
		}
		raw[strings.TrimSuffix(f.Name, ".npy")] = arr
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("checkpoint %s has no arrays", p)
	}

	wrapped := make(StateDict)
	for k, v := range raw {
		if name, ok := strings.CutPrefix(k, StateDictPrefix); ok {
			wrapped[name] = v
		}
	}
	if len(wrapped) == 0 {
		log.Printf("Key error loading state_dict from checkpoint %s; assuming checkpoint contains only the state_dict", p)
		return raw, nil
	}
	return wrapped, nil
}

// ApplyCheckpoint overlays ckpt onto the model's current parameters and
// loads the result.
func ApplyCheckpoint(m Model, ckpt StateDict) error {
	params := m.Params()
	if params == nil {
		params = make(StateDict)
	}
	for k, v := range ckpt {
		params[k] = v
	}
	if err := m.LoadParams(params); err != nil {
		return fmt.Errorf("failed to load checkpoint into %s: %w", m.Name(), err)
	}
	return nil
}

// checkParams validates sd against the parameter shapes in want.
func checkParams(want, sd StateDict) error {
	for _, k := range sd.Keys() {
		w, ok := want[k]
		if !ok {
			return fmt.Errorf("unexpected key %q in state dict", k)
		}
		if !shapeMatches(w.Shape, sd[k].Shape) {
			return fmt.Errorf("size mismatch for %s: checkpoint %v, model %v", k, sd[k].Shape, w.Shape)
		}
		if len(sd[k].Data) != sd[k].Len() {
			return fmt.Errorf("parameter %s has %d values for shape %v", k, len(sd[k].Data), sd[k].Shape)
		}
	}
	return nil
}

// shapeMatches compares shapes treating negative (dynamic) dimensions in
// want as wildcards.
func shapeMatches(want, got []int) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] >= 0 && want[i] != got[i] {
			return false
		}
	}
	return true
}
