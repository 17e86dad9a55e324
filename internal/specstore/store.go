package specstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"specline/internal/domain"
)

const (
	specsDirName    = "specs"
	pendingDirName  = "pending"
	approvedDirName = "approved"
	counterFileName = ".version"
	specFileExt     = ".spec"

	pendingPerm  os.FileMode = 0o644
	approvedPerm os.FileMode = 0o444
)

// Guard is consulted before a pending spec is superseded. Returning an error
// aborts the ingest; the returned release func runs once the supersede is
// done.
type Guard func(ctx context.Context, old domain.Spec) (release func(), err error)

// Store persists specs on the filesystem, one directory tree per project:
//
//	<root>/<project>/specs/pending/v{N}.spec
//	<root>/<project>/specs/approved/v{N}.spec
//	<root>/<project>/specs/.version
type Store struct {
	Root string
	Now  func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(root string) *Store {
	return &Store{Root: root, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = map[string]*sync.Mutex{}
	}
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

func (s *Store) specsDir(projectID string) string {
	return filepath.Join(s.Root, projectID, specsDirName)
}

func (s *Store) pendingPath(projectID string, version int) string {
	return filepath.Join(s.specsDir(projectID), pendingDirName, versionFileName(version))
}

func (s *Store) approvedPath(projectID string, version int) string {
	return filepath.Join(s.specsDir(projectID), approvedDirName, versionFileName(version))
}

func versionFileName(version int) string {
	return "v" + strconv.Itoa(version) + specFileExt
}

func parseVersionFileName(name string) (int, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, specFileExt) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), specFileExt))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func validateProject(projectID string) error {
	if projectID == "" {
		return &domain.ValidationError{Field: "project_id", Msg: "required"}
	}
	if SanitizeSlug(projectID) != projectID {
		return &domain.ValidationError{Field: "project_id", Msg: fmt.Sprintf("%q is not a valid project slug", projectID)}
	}
	return nil
}

// CreatePending stores content as the next version of the project and
// supersedes any existing pending spec.
func (s *Store) CreatePending(ctx context.Context, projectID, title, content string) (domain.Spec, error) {
	spec, _, err := s.CreatePendingGuarded(ctx, projectID, title, content, nil)
	return spec, err
}

// CreatePendingGuarded is CreatePending with a guard consulted before the
// current pending spec is replaced. It also returns the superseded spec, if any.
func (s *Store) CreatePendingGuarded(ctx context.Context, projectID, title, content string, guard Guard) (domain.Spec, *domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return domain.Spec{}, nil, err
	}
	if err := validateProject(projectID); err != nil {
		return domain.Spec{}, nil, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureDirs(projectID); err != nil {
		return domain.Spec{}, nil, err
	}
	old, stale, err := s.scanPending(projectID)
	if err != nil {
		return domain.Spec{}, nil, err
	}
	if old != nil && guard != nil {
		release, err := guard(ctx, *old)
		if err != nil {
			return domain.Spec{}, nil, err
		}
		if release != nil {
			defer release()
		}
	}

	last, err := s.lastVersion(projectID)
	if err != nil {
		return domain.Spec{}, nil, err
	}
	version := last + 1
	spec := domain.Spec{
		ID:        domain.FormatSpecID(projectID, version),
		ProjectID: projectID,
		Version:   version,
		Status:    domain.StatusPending,
		Title:     title,
		Content:   content,
		SizeBytes: int64(len(content)),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	data, err := encode(spec)
	if err != nil {
		return domain.Spec{}, nil, &domain.StorageError{Op: "encode", Path: spec.ID, Err: err}
	}

	path := s.pendingPath(projectID, version)
	if err := writeFileAtomic(path, data, pendingPerm); err != nil {
		return domain.Spec{}, nil, &domain.StorageError{Op: "write pending", Path: path, Err: err}
	}
	if err := s.writeCounter(projectID, version); err != nil {
		_ = os.Remove(path)
		return domain.Spec{}, nil, err
	}

	// The new file is already authoritative: readers pick the highest pending
	// version, so failures here only leave garbage for the next cleanup.
	remove := stale
	if old != nil {
		remove = append(remove, old.Version)
	}
	for _, v := range remove {
		_ = os.Remove(s.pendingPath(projectID, v))
	}
	syncDir(filepath.Dir(path))
	return spec, old, nil
}

// GetPending returns the project's pending spec, or nil when there is none.
func (s *Store) GetPending(ctx context.Context, projectID string) (*domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	spec, _, err := s.scanPending(projectID)
	return spec, err
}

// Get loads a spec by id from approved history or the pending slot.
func (s *Store) Get(ctx context.Context, specID string) (domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return domain.Spec{}, err
	}
	projectID, version, err := domain.ParseSpecID(specID)
	if err != nil {
		return domain.Spec{}, err
	}
	if err := validateProject(projectID); err != nil {
		return domain.Spec{}, err
	}
	spec, err := s.readSpec(s.approvedPath(projectID, version))
	if err == nil {
		return spec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Spec{}, err
	}
	pending, _, err := s.scanPending(projectID)
	if err != nil {
		return domain.Spec{}, err
	}
	if pending != nil && pending.Version == version {
		return *pending, nil
	}
	return domain.Spec{}, domain.ErrNotFound
}

// Tombstoned reports whether specID names a version that was allocated but
// no longer exists, i.e. it was rejected or superseded.
func (s *Store) Tombstoned(ctx context.Context, specID string) (bool, error) {
	if _, err := s.Get(ctx, specID); err == nil {
		return false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	projectID, version, _ := domain.ParseSpecID(specID)
	last, err := s.lastVersion(projectID)
	if err != nil {
		return false, err
	}
	return version <= last, nil
}

// LastVersion returns the highest version ever allocated for the project.
func (s *Store) LastVersion(ctx context.Context, projectID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := validateProject(projectID); err != nil {
		return 0, err
	}
	return s.lastVersion(projectID)
}

// FinalizeApproved moves the pending spec into approved history with its
// status rewritten. The approved file is read-only and never rewritten.
func (s *Store) FinalizeApproved(ctx context.Context, specID string) (domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return domain.Spec{}, err
	}
	projectID, version, err := domain.ParseSpecID(specID)
	if err != nil {
		return domain.Spec{}, err
	}
	if err := validateProject(projectID); err != nil {
		return domain.Spec{}, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	pending, _, err := s.scanPending(projectID)
	if err != nil {
		return domain.Spec{}, err
	}
	if pending == nil || pending.Version != version {
		return domain.Spec{}, domain.ErrNotFound
	}
	approved := *pending
	approved.Status = domain.StatusApproved
	data, err := encode(approved)
	if err != nil {
		return domain.Spec{}, &domain.StorageError{Op: "encode", Path: specID, Err: err}
	}
	dst := s.approvedPath(projectID, version)
	if err := writeFileAtomic(dst, data, approvedPerm); err != nil {
		return domain.Spec{}, &domain.StorageError{Op: "write approved", Path: dst, Err: err}
	}
	// A leftover pending copy is shadowed by the approved file and cleaned
	// up by the next scan.
	src := s.pendingPath(projectID, version)
	if err := os.Remove(src); err == nil {
		syncDir(filepath.Dir(src))
	}
	return approved, nil
}

// Delete removes a pending spec. Approved specs cannot be deleted.
func (s *Store) Delete(ctx context.Context, specID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	projectID, version, err := domain.ParseSpecID(specID)
	if err != nil {
		return err
	}
	if err := validateProject(projectID); err != nil {
		return err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(s.approvedPath(projectID, version)); err == nil {
		return &domain.TransitionError{SpecID: specID, From: domain.StatusApproved, Action: domain.ActionReject}
	}
	path := s.pendingPath(projectID, version)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return &domain.StorageError{Op: "delete", Path: path, Err: err}
	}
	// A crash after a pending write can leave the counter behind; it must
	// cover this version before the file that proves it is gone.
	last, err := s.lastVersion(projectID)
	if err != nil {
		return err
	}
	if err := s.writeCounter(projectID, last); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return &domain.StorageError{Op: "delete", Path: path, Err: err}
	}
	syncDir(filepath.Dir(path))
	return nil
}

// ListVersions returns approved history plus the current pending spec,
// ordered by version.
func (s *Store) ListVersions(ctx context.Context, projectID string) ([]domain.Spec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateProject(projectID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.specsDir(projectID), approvedDirName)
	versions, err := listVersionFiles(dir)
	if err != nil {
		return nil, &domain.StorageError{Op: "list", Path: dir, Err: err}
	}
	out := make([]domain.Spec, 0, len(versions)+1)
	for _, v := range versions {
		spec, err := s.readSpec(s.approvedPath(projectID, v))
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	pending, _, err := s.scanPending(projectID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		out = append(out, *pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Projects lists project ids that have a spec tree under the store root.
func (s *Store) Projects(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.StorageError{Op: "list projects", Path: s.Root, Err: err}
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() || validateProject(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(s.specsDir(e.Name())); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// PendingDir is the directory holding a project's pending slot.
func (s *Store) PendingDir(projectID string) string {
	return filepath.Join(s.specsDir(projectID), pendingDirName)
}

func (s *Store) ensureDirs(projectID string) error {
	for _, dir := range []string{
		filepath.Join(s.specsDir(projectID), pendingDirName),
		filepath.Join(s.specsDir(projectID), approvedDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &domain.StorageError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// scanPending returns the live pending spec and the versions of any stale
// pending files left behind by an interrupted supersede or finalize.
func (s *Store) scanPending(projectID string) (*domain.Spec, []int, error) {
	dir := filepath.Join(s.specsDir(projectID), pendingDirName)
	versions, err := listVersionFiles(dir)
	if err != nil {
		return nil, nil, &domain.StorageError{Op: "list", Path: dir, Err: err}
	}
	var stale []int
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		if _, err := os.Stat(s.approvedPath(projectID, v)); err == nil {
			stale = append(stale, v)
			continue
		}
		spec, err := s.readSpec(s.pendingPath(projectID, v))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		return &spec, append(stale, versions[:i]...), nil
	}
	return nil, stale, nil
}

func (s *Store) writeCounter(projectID string, version int) error {
	path := filepath.Join(s.specsDir(projectID), counterFileName)
	if err := writeFileAtomic(path, []byte(strconv.Itoa(version)+"\n"), pendingPerm); err != nil {
		return &domain.StorageError{Op: "write counter", Path: path, Err: err}
	}
	return nil
}

// lastVersion is the larger of the persisted counter and the highest file on
// disk, so a lost counter never causes a version to be reused.
func (s *Store) lastVersion(projectID string) (int, error) {
	path := filepath.Join(s.specsDir(projectID), counterFileName)
	last := 0
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, perr := strconv.Atoi(strings.TrimSpace(string(data)))
		if perr != nil {
			return 0, &domain.StorageError{Op: "read counter", Path: path, Err: perr}
		}
		last = n
	case !errors.Is(err, fs.ErrNotExist):
		return 0, &domain.StorageError{Op: "read counter", Path: path, Err: err}
	}
	for _, sub := range []string{pendingDirName, approvedDirName} {
		dir := filepath.Join(s.specsDir(projectID), sub)
		versions, err := listVersionFiles(dir)
		if err != nil {
			return 0, &domain.StorageError{Op: "list", Path: dir, Err: err}
		}
		if n := len(versions); n > 0 && versions[n-1] > last {
			last = versions[n-1]
		}
	}
	return last, nil
}

func (s *Store) readSpec(path string) (domain.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Spec{}, domain.ErrNotFound
		}
		return domain.Spec{}, &domain.StorageError{Op: "read", Path: path, Err: err}
	}
	spec, err := decode(data)
	if err != nil {
		return domain.Spec{}, &domain.StorageError{Op: "decode", Path: path, Err: err}
	}
	return spec, nil
}

// listVersionFiles returns the versions of spec files in dir, ascending.
// A missing dir is empty.
func listVersionFiles(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if v, ok := parseVersionFileName(e.Name()); ok {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}
