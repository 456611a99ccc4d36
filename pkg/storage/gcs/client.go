package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ppdbx/chunkpromoter/pkg/utils"
)

const defaultUploadWorkers = 8

var (
	ErrMissingBucket = errors.New("gcs bucket is not configured")
	ErrEmptyPrefix   = errors.New("refusing to delete an empty prefix")
)

// UploadError reports a single failed upload. UploadFiles joins one per failed file.
type UploadError struct {
	Path string
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s to %s: %v", e.Path, e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DeleteError reports an object under Prefix that could not be listed or removed.
type DeleteError struct {
	Prefix string
	Name   string
	Err    error
}

func (e *DeleteError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("delete prefix %s: %v", e.Prefix, e.Err)
	}
	return fmt.Sprintf("delete %s (prefix %s): %v", e.Name, e.Prefix, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// objectStore is the slice of the bucket API the client needs.
type objectStore interface {
	write(ctx context.Context, name, contentType string, r io.Reader) error
	list(ctx context.Context, prefix string) ([]string, error)
	remove(ctx context.Context, name string) error
	close() error
}

type Client struct {
	Logger  *zap.Logger
	Bucket  string
	Workers int
	store   objectStore
}

// NewClient opens a storage client for bucket (GCS_BUCKET when empty). When credentialsFile is
// empty GOOGLE_APPLICATION_CREDENTIALS is consulted, and after that application default
// credentials are used.
func NewClient(ctx context.Context, logger *zap.Logger, bucket, credentialsFile string, opts ...option.ClientOption) (*Client, error) {
	if bucket == "" {
		bucket = utils.Env("GCS_BUCKET", "")
	}
	if bucket == "" {
		return nil, ErrMissingBucket
	}
	if credentialsFile == "" {
		credentialsFile = utils.Env("GOOGLE_APPLICATION_CREDENTIALS", "")
	}
	if credentialsFile != "" {
		info, err := os.Stat(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("credentials file not found at %s: %w", credentialsFile, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("credentials file %s is a directory", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	sc, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		Logger:  logger,
		Bucket:  bucket,
		Workers: utils.EnvInt("GCS_UPLOAD_WORKERS", defaultUploadWorkers),
		store:   &bucketStore{client: sc, bucket: sc.Bucket(bucket)},
	}, nil
}

// UploadFile copies the local file at localPath to the object name.
func (c *Client) UploadFile(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &UploadError{Path: localPath, Name: name, Err: err}
	}
	defer f.Close()

	if err := c.store.write(ctx, name, "application/octet-stream", f); err != nil {
		return &UploadError{Path: localPath, Name: name, Err: err}
	}
	c.Logger.Debug("Uploaded file",
		zap.String("path", localPath),
		zap.String("object", c.uri(name)))
	return nil
}

// UploadFiles uploads every localPath -> objectName pair in parallel. A failed file never
// stops the others; all failures come back joined as *UploadError values.
func (c *Client) UploadFiles(ctx context.Context, files map[string]string) error {
	if len(files) == 0 {
		return nil
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	workers := c.Workers
	if workers <= 0 {
		workers = defaultUploadWorkers
	}
	pool := pond.NewPool(workers)
	defer pool.StopAndWait()

	var (
		mu   sync.Mutex
		errs []error
	)
	group := pool.NewGroup()
	for _, p := range paths {
		name := files[p]
		group.Submit(func() {
			if err := c.UploadFile(ctx, p, name); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("upload group: %w", err)
	}

	if len(errs) > 0 {
		c.Logger.Warn("Some uploads failed",
			zap.Int("failed", len(errs)),
			zap.Int("total", len(paths)))
		return errors.Join(errs...)
	}
	c.Logger.Info("Uploaded files",
		zap.Int("count", len(paths)),
		zap.String("bucket", c.Bucket))
	return nil
}

// UploadDir uploads every regular file under dir to prefix/<relative path>.
func (c *Client) UploadDir(ctx context.Context, dir, prefix string) error {
	if dir == "" {
		return fmt.Errorf("upload dir: empty directory")
	}
	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files[p] = path.Join(prefix, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", dir, err)
	}
	return c.UploadFiles(ctx, files)
}

// UploadFromString writes content to the object name.
func (c *Client) UploadFromString(ctx context.Context, name, content string) error {
	if err := c.store.write(ctx, name, "application/json", strings.NewReader(content)); err != nil {
		return &UploadError{Name: name, Err: err}
	}
	c.Logger.Debug("Uploaded object", zap.String("object", c.uri(name)), zap.Int("bytes", len(content)))
	return nil
}

// DeleteRecursive removes every object under prefix and returns how many were deleted.
func (c *Client) DeleteRecursive(ctx context.Context, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, ErrEmptyPrefix
	}
	names, err := c.store.list(ctx, prefix)
	if err != nil {
		return 0, &DeleteError{Prefix: prefix, Err: err}
	}

	var errs []error
	deleted := 0
	for _, name := range names {
		if err := c.store.remove(ctx, name); err != nil {
			errs = append(errs, &DeleteError{Prefix: prefix, Name: name, Err: err})
			continue
		}
		deleted++
	}
	c.Logger.Debug("Deleted prefix",
		zap.String("prefix", c.uri(prefix)),
		zap.Int("deleted", deleted),
		zap.Int("failed", len(errs)))
	return deleted, errors.Join(errs...)
}

func (c *Client) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.close()
}

func (c *Client) uri(name string) string {
	return "gs://" + c.Bucket + "/" + name
}

type bucketStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

func (b *bucketStore) write(ctx context.Context, name, contentType string, r io.Reader) error {
	// Cancelling the writer context aborts a partial upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.bucket.Object(name).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

func (b *bucketStore) list(ctx context.Context, prefix string) ([]string, error) {
	q := &storage.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := b.bucket.Objects(ctx, q)
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (b *bucketStore) remove(ctx context.Context, name string) error {
	err := b.bucket.Object(name).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (b *bucketStore) close() error {
	return b.client.Close()
}
