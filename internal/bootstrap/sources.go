package bootstrap

import (
	"io/fs"
	"os"
	"path/filepath"
)

// conventionalFilenames is the set of filenames FindSourceFiles looks for
// when no explicit source file is configured.
var conventionalFilenames = map[string]struct{}{
	"mcp.json":                   {},
	".mcp.json":                  {},
	"servers.json":               {},
	"mcp_servers.json":           {},
	"claude_desktop_config.json": {},
}

// FindSourceFiles recursively walks roots looking for conventionally-named
// source-config files. A missing root is skipped rather than treated as an
// error — one misconfigured search path must not stop discovery of the
// others.
func FindSourceFiles(roots []string) []string {
	var found []string
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // tolerate unreadable subtrees, keep walking
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := conventionalFilenames[d.Name()]; ok {
				found = append(found, path)
			}
			return nil
		})
	}
	return found
}

// ReadSourceFiles loads and parses every path in files, skipping (and
// logging via the returned errs slice) any file that fails to read or
// parse — one bad config file must not abort the others.
func ReadSourceFiles(files []string) (map[string]rawDescriptor, []error) {
	merged := make(map[string]rawDescriptor)
	var errs []error
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		parsed, err := ParseSourceConfig(data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for name, d := range parsed {
			merged[name] = d
		}
	}
	return merged, errs
}
