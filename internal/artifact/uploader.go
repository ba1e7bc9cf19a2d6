package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize/english"
	"github.com/narvanalabs/shipyard/internal/metrics"
	"github.com/narvanalabs/shipyard/internal/models"
	"github.com/narvanalabs/shipyard/internal/retry"
)

// Options configures an Uploader.
type Options struct {
	// Prefix and Scope form the key namespace: <Prefix>/<Scope>/<relativeKey>.
	Prefix string
	Scope  string

	Policy         retry.Policy
	AttemptTimeout time.Duration
	// FailFast stops a directory upload at the first file that cannot be uploaded.
	FailFast bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Uploader pushes files to an ObjectStore with bounded retry.
type Uploader struct {
	store    ObjectStore
	reporter Reporter
	opts     Options
	logger   *slog.Logger
}

// NewUploader creates an uploader. reporter may be nil.
func NewUploader(store ObjectStore, reporter Reporter, opts Options) *Uploader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy.MaxAttempts < 1 {
		opts.Policy = retry.DefaultPolicy()
	}
	return &Uploader{
		store:    store,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
	}
}

func (u *Uploader) report(ctx context.Context, line string) {
	if u.reporter != nil {
		u.reporter.Publish(ctx, line)
	}
}

// Key returns the storage key of relativeKey.
func (u *Uploader) Key(relativeKey string) string {
	obj := models.ArtifactObject{Scope: u.opts.Scope, RelativeKey: relativeKey}
	return obj.StorageKey(u.opts.Prefix)
}

// Upload uploads one file under relativeKey.
func (u *Uploader) Upload(ctx context.Context, filePath, relativeKey string) error {
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		u.report(ctx, fmt.Sprintf("Failed upload: %s - file not found", filePath))
		u.opts.Metrics.Upload(ErrSourceMissing)
		return fmt.Errorf("%w: %s", ErrSourceMissing, filePath)
	}

	obj := models.ArtifactObject{
		Scope:       u.opts.Scope,
		RelativeKey: relativeKey,
		ContentType: DetectContentType(filePath),
		Size:        info.Size(),
	}
	key := obj.StorageKey(u.opts.Prefix)

	policy := u.opts.Policy
	policy.Retryable = isRetryable
	policy.OnFailure = func(attempt int, err error) {
		u.report(ctx, fmt.Sprintf("Failed upload (attempt %d): %s - %v", attempt, filePath, err))
		u.logger.Warn("upload attempt failed", "key", key, "attempt", attempt, "error", err)
	}

	attempts := 0
	err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		return u.put(ctx, filePath, key, &obj)
	})
	u.opts.Metrics.Upload(err)

	if err != nil {
		if errors.Is(err, ErrSourceMissing) {
			return err
		}
		u.report(ctx, fmt.Sprintf("Upload failed after %s: %s", english.Plural(attempts, "attempt", ""), filePath))
		return fmt.Errorf("%w: %s: %w", ErrUploadExhausted, key, err)
	}

	u.report(ctx, "Uploaded: "+key)
	return nil
}

func (u *Uploader) put(ctx context.Context, filePath, key string, obj *models.ArtifactObject) error {
	if u.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.opts.AttemptTimeout)
		defer cancel()
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, filePath)
		}
		return fmt.Errorf("opening %s: %w", filePath, err)
	}
	defer f.Close()

	return u.store.PutObject(ctx, key, f, obj.Size, obj.ContentType)
}

// UploadDir uploads every regular file under dir with a '/'-separated key
// relative to dir. A failed file is skipped unless FailFast is set.
func (u *Uploader) UploadDir(ctx context.Context, dir string) (Result, error) {
	var res Result

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", p, err)
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", p, err)
		}
		key := path.Clean(filepath.ToSlash(rel))

		if err := u.Upload(ctx, p, key); err != nil {
			if errors.Is(err, ErrSourceMissing) {
				res.Skipped++
			} else {
				res.Failed++
			}
			if u.opts.FailFast || ctx.Err() != nil {
				return err
			}
			return nil
		}

		res.Uploaded++
		if info, err := d.Info(); err == nil {
			res.Bytes += info.Size()
		}
		return nil
	})

	return res, err
}

// isRetryable stops retries for missing sources and cancelled contexts.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrSourceMissing):
		return false
	case errors.Is(err, context.Canceled):
		return false
	default:
		return !isPermanentS3Error(err)
	}
}
