package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"go.uber.org/zap"
)

// Event is the message published and archived after a successful cycle.
type Event struct {
	ChunkIDs   []int64   `json:"chunkIds"`
	FirstChunk int64     `json:"firstChunk"`
	LastChunk  int64     `json:"lastChunk"`
	Tables     []string  `json:"tables"`
	Marked     int64     `json:"marked"`
	Jobs       int       `json:"jobs"`
	DurationMs float64   `json:"durationMs"`
	PromotedAt time.Time `json:"promotedAt"`
}

func NewEvent(res *Result) Event {
	ev := Event{
		ChunkIDs:   res.ChunkIDs,
		FirstChunk: res.ChunkIDs[0],
		LastChunk:  res.ChunkIDs[len(res.ChunkIDs)-1],
		Marked:     res.Marked,
		PromotedAt: time.Now().UTC(),
	}
	if res.Report != nil {
		ev.Tables = entities.Strings(res.Report.Tables)
		ev.Jobs = len(res.Report.Jobs)
		ev.DurationMs = float64(res.Report.Duration.Microseconds()) / 1000.0
	}
	return ev
}

// ObjectStorage is the object store surface the archiver needs.
type ObjectStorage interface {
	UploadFromString(ctx context.Context, name, content string) error
	DeleteRecursive(ctx context.Context, prefix string) (int, error)
}

const (
	DefaultManifestPrefix = "manifests"
	DefaultChunkPrefix    = "chunks"
)

// ObjectArchiver writes a manifest per promotion and removes the uploaded chunk files,
// which are no longer needed once their rows are in production.
type ObjectArchiver struct {
	Logger         *zap.Logger
	Storage        ObjectStorage
	ManifestPrefix string
	ChunkPrefix    string
	// KeepChunkFiles skips deleting chunks/<id>/.
	KeepChunkFiles bool
}

// ManifestName returns <prefix>/<first>-<last>.json.
func (a *ObjectArchiver) ManifestName(event Event) string {
	return path.Join(orDefault(a.ManifestPrefix, DefaultManifestPrefix),
		fmt.Sprintf("%d-%d.json", event.FirstChunk, event.LastChunk))
}

// ChunkPrefixFor returns <prefix>/<id>/, where stage uploads the files of chunk id.
func (a *ObjectArchiver) ChunkPrefixFor(id int64) string {
	return path.Join(orDefault(a.ChunkPrefix, DefaultChunkPrefix), strconv.FormatInt(id, 10)) + "/"
}

// Archive writes the manifest first; chunk files are only deleted once it exists.
func (a *ObjectArchiver) Archive(ctx context.Context, event Event) error {
	body, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	name := a.ManifestName(event)
	if err := a.Storage.UploadFromString(ctx, name, string(body)); err != nil {
		return err
	}
	if a.KeepChunkFiles {
		return nil
	}

	var errs []error
	deleted := 0
	for _, id := range event.ChunkIDs {
		n, err := a.Storage.DeleteRecursive(ctx, a.ChunkPrefixFor(id))
		deleted += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		a.Logger.Info("Archived promotion",
			zap.String("manifest", name),
			zap.Int("deletedObjects", deleted),
			zap.Int("failedChunks", len(errs)))
	}
	return errors.Join(errs...)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
