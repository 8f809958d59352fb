package references

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/services"
)

// Service stores binary payloads under opaque locators. A locator names
// a single file in the temp root; its encoding belongs to this package
// and callers must treat it as an opaque string.
type Service struct {
	root            string
	logger          *slog.Logger
	client          *http.Client
	maxDownloadSize int64
}

// ProgressFunc receives download progress as data arrives. total is -1
// when the remote does not announce a content length.
type ProgressFunc func(downloaded, total int64, percent float64)

// Info describes a stored payload.
type Info struct {
	Locator      string
	Size         int64
	MimeType     string
	OriginalName string
	CreatedAt    time.Time
}

// DeleteResult reports the outcome of a delete.
type DeleteResult struct {
	Freed      bool
	BytesFreed int64
}

// SweepResult reports the outcome of a bulk delete.
type SweepResult struct {
	FilesDeleted int
	BytesFreed   int64
}

const downloadChunkSize = 128 * 1024

// Open prepares the reference service over the configured temp root.
func Open(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "references", "open", "ensure directories", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		root:   cfg.TempDir(),
		logger: logging.NewComponentLogger(logger, "references"),
		client: &http.Client{
			Timeout: time.Duration(cfg.Cleanup.DownloadTimeoutSeconds) * time.Second,
		},
		maxDownloadSize: int64(cfg.Cleanup.DownloadMaxSizeMegaByte) * 1024 * 1024,
	}, nil
}

// StoreBuffer persists an in-memory payload and returns its locator.
func (s *Service) StoreBuffer(ctx context.Context, data []byte, originalName, workflowID, kind string) (string, error) {
	locator, err := s.newLocator(kind, workflowID, originalName)
	if err != nil {
		return "", err
	}
	if err := s.writeAtomic(locator, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}); err != nil {
		return "", err
	}
	s.logger.Info("stored buffer",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String("locator", locator),
		logging.Int64("bytes", int64(len(data))))
	return locator, nil
}

// StoreFromPath copies a local file in and returns its locator.
func (s *Service) StoreFromPath(ctx context.Context, sourcePath, workflowID, kind string) (string, error) {
	source, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", services.Wrap(services.ErrNotFound, "references", "store-path", fmt.Sprintf("source %s not found", sourcePath), nil)
		}
		return "", services.Wrap(services.ErrStorage, "references", "store-path", "open source", err)
	}
	defer source.Close()

	locator, err := s.newLocator(kind, workflowID, filepath.Base(sourcePath))
	if err != nil {
		return "", err
	}
	if err := s.writeAtomic(locator, func(w io.Writer) error {
		_, err := io.Copy(w, source)
		return err
	}); err != nil {
		return "", err
	}
	return locator, nil
}

// StoreFromRemote streams a remote download into a new reference. The
// progress callback fires as chunks arrive, and the download aborts
// when ctx is done or cancel fires mid-stream.
func (s *Service) StoreFromRemote(ctx context.Context, rawURL, workflowID, kind string, onProgress ProgressFunc, cancel <-chan struct{}) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" {
		return "", services.Wrap(services.ErrValidation, "references", "store-remote", fmt.Sprintf("invalid url %q", rawURL), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "references", "store-remote", "build request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrUpstream, "references", "store-remote", "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", services.Wrap(services.ErrUpstream, "references", "store-remote",
			fmt.Sprintf("download returned status %d", resp.StatusCode), nil)
	}

	total := resp.ContentLength
	if total > 0 && s.maxDownloadSize > 0 && total > s.maxDownloadSize {
		return "", services.Wrap(services.ErrValidation, "references", "store-remote",
			fmt.Sprintf("remote payload of %d bytes exceeds the %d byte limit", total, s.maxDownloadSize), nil)
	}

	locator, err := s.newLocator(kind, workflowID, path.Base(parsed.Path))
	if err != nil {
		return "", err
	}

	err = s.writeAtomic(locator, func(w io.Writer) error {
		var downloaded int64
		buf := make([]byte, downloadChunkSize)
		for {
			select {
			case <-ctx.Done():
				return services.Wrap(services.ErrCancelled, "references", "store-remote", "download aborted", ctx.Err())
			case <-cancel:
				return services.Wrap(services.ErrCancelled, "references", "store-remote", "download cancelled", nil)
			default:
			}

			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
				downloaded += int64(n)
				if s.maxDownloadSize > 0 && downloaded > s.maxDownloadSize {
					return services.Wrap(services.ErrValidation, "references", "store-remote",
						fmt.Sprintf("download exceeded the %d byte limit", s.maxDownloadSize), nil)
				}
				if onProgress != nil {
					percent := -1.0
					if total > 0 {
						percent = float64(downloaded) / float64(total) * 100
					}
					onProgress(downloaded, total, percent)
				}
			}
			if readErr == io.EOF {
				return nil
			}
			if readErr != nil {
				return services.Wrap(services.ErrUpstream, "references", "store-remote", "read body", readErr)
			}
		}
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("stored remote payload",
		logging.String(logging.FieldWorkflowID, workflowID),
		logging.String("locator", locator),
		logging.String("url", rawURL))
	return locator, nil
}

// Exists reports whether a locator currently resolves to a payload.
func (s *Service) Exists(locator string) bool {
	p, err := s.resolve(locator)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// GetInfo describes a stored payload, or returns ErrNotFound.
func (s *Service) GetInfo(locator string) (*Info, error) {
	p, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrNotFound, "references", "info", fmt.Sprintf("reference %s not found", locator), nil)
		}
		return nil, services.Wrap(services.ErrStorage, "references", "info", "stat payload", err)
	}
	return &Info{
		Locator:      locator,
		Size:         stat.Size(),
		MimeType:     mimeTypeForName(locator),
		OriginalName: originalNameFromLocator(locator),
		CreatedAt:    stat.ModTime().UTC(),
	}, nil
}

// Open returns a reader over a stored payload. The caller closes it.
func (s *Service) Open(locator string) (io.ReadCloser, error) {
	p, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrNotFound, "references", "open", fmt.Sprintf("reference %s not found", locator), nil)
		}
		return nil, services.Wrap(services.ErrStorage, "references", "open", "open payload", err)
	}
	return f, nil
}

// FilePath resolves a locator to the payload's absolute path, for
// process-local tooling that must hand the file to an external binary.
// The locator stays the canonical handle; callers must not derive
// state from the returned path.
func (s *Service) FilePath(locator string) (string, error) {
	p, err := s.resolve(locator)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(p); statErr != nil {
		if os.IsNotExist(statErr) {
			return "", services.Wrap(services.ErrNotFound, "references", "path", fmt.Sprintf("reference %s not found", locator), nil)
		}
		return "", services.Wrap(services.ErrStorage, "references", "path", "stat payload", statErr)
	}
	return p, nil
}

// Delete removes a payload. Deleting a missing locator is not an error.
func (s *Service) Delete(locator string) (DeleteResult, error) {
	p, err := s.resolve(locator)
	if err != nil {
		return DeleteResult{}, err
	}
	stat, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return DeleteResult{}, nil
		}
		return DeleteResult{}, services.Wrap(services.ErrStorage, "references", "delete", "stat payload", err)
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return DeleteResult{}, nil
		}
		return DeleteResult{}, services.Wrap(services.ErrStorage, "references", "delete", "remove payload", err)
	}
	s.logger.Info("deleted reference",
		logging.String("locator", locator),
		logging.Int64("bytes", stat.Size()))
	return DeleteResult{Freed: true, BytesFreed: stat.Size()}, nil
}

// DeleteAllForWorkflow removes every payload belonging to a workflow.
func (s *Service) DeleteAllForWorkflow(workflowID string) (SweepResult, error) {
	if workflowID == "" {
		return SweepResult{}, services.Wrap(services.ErrValidation, "references", "delete-all", "workflow id is required", nil)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return SweepResult{}, services.Wrap(services.ErrStorage, "references", "delete-all", "read temp dir", err)
	}

	var result SweepResult
	for _, entry := range entries {
		if entry.IsDir() || !locatorBelongsTo(entry.Name(), workflowID) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, services.Wrap(services.ErrStorage, "references", "delete-all", "remove payload", err)
		}
		result.FilesDeleted++
		result.BytesFreed += info.Size()
	}
	if result.FilesDeleted > 0 {
		s.logger.Info("deleted workflow references",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.Int("files", result.FilesDeleted),
			logging.Int64("bytes", result.BytesFreed))
	}
	return result, nil
}

// CleanupOld removes payloads older than maxAge, by modification time.
func (s *Service) CleanupOld(maxAge time.Duration) (SweepResult, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return SweepResult{}, services.Wrap(services.ErrStorage, "references", "cleanup", "read temp dir", err)
	}
	cutoff := time.Now().Add(-maxAge)

	var result SweepResult
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.root, entry.Name())); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, services.Wrap(services.ErrStorage, "references", "cleanup", "remove payload", err)
		}
		result.FilesDeleted++
		result.BytesFreed += info.Size()
	}
	if result.FilesDeleted > 0 {
		s.logger.Info("removed stale references",
			logging.Int("files", result.FilesDeleted),
			logging.Int64("bytes", result.BytesFreed))
	}
	return result, nil
}

func (s *Service) newLocator(kind, workflowID, originalName string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !validKind(kind) {
		return "", services.Wrap(services.ErrValidation, "references", "store", fmt.Sprintf("invalid kind %q", kind), nil)
	}
	if workflowID == "" || strings.ContainsAny(workflowID, "_/\\") {
		return "", services.Wrap(services.ErrValidation, "references", "store", fmt.Sprintf("invalid workflow id %q", workflowID), nil)
	}

	unique := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	stem, ext := splitName(originalName)
	if stem != "" {
		unique = unique + "-" + stem
	}
	return fmt.Sprintf("%s_%s_%s%s", kind, workflowID, unique, ext), nil
}

// resolve maps a locator to its path under the temp root, rejecting
// anything that could escape it.
func (s *Service) resolve(locator string) (string, error) {
	if locator == "" || strings.ContainsAny(locator, "/\\") || locator != filepath.Base(locator) {
		return "", services.Wrap(services.ErrValidation, "references", "resolve", fmt.Sprintf("invalid locator %q", locator), nil)
	}
	return filepath.Join(s.root, locator), nil
}

func (s *Service) writeAtomic(locator string, fill func(io.Writer) error) error {
	target, err := s.resolve(locator)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.root, ".partial-*")
	if err != nil {
		return services.Wrap(services.ErrStorage, "references", "store", "create temp file", err)
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return services.Wrap(services.ErrStorage, "references", "store", "close temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return services.Wrap(services.ErrStorage, "references", "store", "finalize payload", err)
	}
	return nil
}

func validKind(kind string) bool {
	if kind == "" {
		return false
	}
	for _, r := range kind {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func splitName(name string) (stem, ext string) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == "" {
		return "", ""
	}
	ext = strings.ToLower(filepath.Ext(name))
	stem = sanitizeStem(strings.TrimSuffix(name, filepath.Ext(name)))
	return stem, ext
}

func sanitizeStem(stem string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

func locatorBelongsTo(locator, workflowID string) bool {
	rest, ok := strings.CutPrefix(locator, "video_")
	if !ok {
		rest, ok = strings.CutPrefix(locator, "audio_")
	}
	if !ok {
		// Other kinds still follow the kind_workflow_unique pattern.
		idx := strings.Index(locator, "_")
		if idx < 0 {
			return false
		}
		rest = locator[idx+1:]
	}
	return strings.HasPrefix(rest, workflowID+"_")
}

func originalNameFromLocator(locator string) string {
	parts := strings.SplitN(locator, "_", 3)
	if len(parts) != 3 {
		return locator
	}
	unique := parts[2]
	ext := filepath.Ext(unique)
	unique = strings.TrimSuffix(unique, ext)
	if idx := strings.Index(unique, "-"); idx >= 0 {
		return unique[idx+1:] + ext
	}
	return locator
}
