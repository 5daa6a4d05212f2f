package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/mpataki/triad/internal/fault"
)

const (
	// MetaDir holds run metadata inside the workspace. It is skipped by the
	// summary and never treated as a package.
	MetaDir = ".triad"

	PackageMarker        = "__init__.py"
	packageMarkerContent = "# Package init file\n"

	DefaultSummaryLimit = 200
)

// SummaryExtensions are the file types listed in the planner's repo summary.
var SummaryExtensions = []string{".py", ".md", ".txt", ".json", ".yaml", ".yml", ".tex"}

// Workspace is the file tree a run operates on. Root is absolute with
// symlinks resolved and never changes for the lifetime of the value.
type Workspace struct {
	Root string
}

type RunMetadata struct {
	RunID       string `json:"run_id"`
	PlanID      string `json:"plan_id,omitempty"`
	Goal        string `json:"goal"`
	CurrentTask string `json:"current_task,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	LogPath     string `json:"log_path"`
}

// File is an existing workspace file handed to a backend as context.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Open creates root if needed and pins it.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace symlinks: %w", err)
	}
	return &Workspace{Root: real}, nil
}

// Resolve maps a workspace-relative path to an absolute path strictly under
// Root. Parent-directory escapes, absolute paths and symlinks leading out of
// the tree all fail with fault.ErrPathEscape.
func (w *Workspace) Resolve(rel string) (string, error) {
	escape := func(reason string) error {
		return fault.New(fault.ErrPathEscape, "workspace", "%s (%s)", rel, reason).With("path", rel)
	}

	if strings.TrimSpace(rel) == "" {
		return "", escape("empty path")
	}
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", escape("absolute path")
	}

	lexical := filepath.Join(w.Root, rel)
	if !w.strictlyUnder(lexical) {
		return "", escape("resolves outside root")
	}

	real, err := realAncestor(lexical)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rel, err)
	}
	if !w.strictlyUnder(real) {
		return "", escape("symlink leads outside root")
	}
	return real, nil
}

// resolveDir is Resolve for directories, where "." names Root itself.
func (w *Workspace) resolveDir(rel string) (string, error) {
	if strings.TrimSpace(rel) != "" && filepath.Clean(rel) == "." {
		return w.Root, nil
	}
	return w.Resolve(rel)
}

// Reserved reports whether rel lies in the metadata directory, which edits
// may not touch.
func Reserved(rel string) bool {
	first := strings.SplitN(filepath.ToSlash(filepath.Clean(rel)), "/", 2)[0]
	return first == MetaDir
}

func (w *Workspace) strictlyUnder(p string) bool {
	return strings.HasPrefix(p, w.Root+string(os.PathSeparator))
}

// realAncestor evaluates symlinks on the longest existing prefix of p and
// re-appends the part that does not exist yet.
func realAncestor(p string) (string, error) {
	rest := ""
	cur := p
	for {
		if _, err := os.Lstat(cur); err == nil {
			real, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(real, rest), nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Exists reports whether rel names an existing path inside the workspace.
// "." is the workspace itself.
func (w *Workspace) Exists(rel string) bool {
	p, err := w.resolveDir(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Write stores content at rel, creating parent directories.
func (w *Workspace) Write(rel, content string) (string, error) {
	target, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return target, nil
}

// ReadExisting returns the content of every path that currently exists as a
// regular file. Missing or uncontained paths are omitted.
func (w *Workspace) ReadExisting(paths []string) []File {
	files := make([]File, 0, len(paths))
	for _, rel := range paths {
		p, err := w.Resolve(rel)
		if err != nil {
			continue
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		files = append(files, File{Path: rel, Content: string(data)})
	}
	return files
}

// Summary lists up to max workspace files with a recognized extension, one
// slash-separated relative path per line.
func (w *Workspace) Summary(max int) string {
	if max <= 0 {
		max = DefaultSummaryLimit
	}
	var files []string
	errStop := errors.New("stop")
	_ = filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == MetaDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasSummaryExtension(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(w.Root, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= max {
			return errStop
		}
		return nil
	})
	return strings.Join(files, "\n")
}

func hasSummaryExtension(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range SummaryExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// EnsurePackageMarkers gives projectRoot and every non-hidden directory below
// it a package marker if it lacks one. Existing markers are never touched.
// It returns the workspace-relative paths it created.
func (w *Workspace) EnsurePackageMarkers(projectRoot string) ([]string, error) {
	root, err := w.resolveDir(projectRoot)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, nil
	}

	var created []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (strings.HasPrefix(name, ".") || name == "__pycache__") {
			return filepath.SkipDir
		}
		marker := filepath.Join(path, PackageMarker)
		if _, err := os.Stat(marker); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := os.WriteFile(marker, []byte(packageMarkerContent), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", marker, err)
		}
		rel, _ := filepath.Rel(w.Root, marker)
		created = append(created, filepath.ToSlash(rel))
		return nil
	})
	return created, err
}

// WriteRunMetadata records where the run currently is so an operator looking
// at the tree can find the log. Symlinks inside MetaDir are scoped to Root.
func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	target, err := securejoin.SecureJoin(w.Root, filepath.Join(MetaDir, "run.json"))
	if err != nil {
		return fmt.Errorf("failed to resolve run.json: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", MetaDir, err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(target, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}
	return nil
}

// ReadRunMetadata loads the metadata last written by WriteRunMetadata.
func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	path, err := securejoin.SecureJoin(w.Root, filepath.Join(MetaDir, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve run.json: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no run metadata in %s", w.Root)
		}
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}
