package compiler

import (
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/layout"
)

// LoadDir builds the CUE package in dir into a single value.
func LoadDir(dir string) (cue.Value, error) {
	files, err := FindCUEFiles(dir)
	if err != nil {
		return cue.Value{}, fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v, nil
}

// CompileSource compiles tables written inline as CUE source.
func CompileSource(filename, src string) (*layout.Tables, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return CompileTables(v)
}

// FindCUEFiles walks dir and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// TablesHash identifies a tables value by the hash of its JSON export.
func TablesHash(v cue.Value) (string, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return "", formatCUEError(err)
	}
	return artifact.HashBytes(artifact.DomainTables, data), nil
}
