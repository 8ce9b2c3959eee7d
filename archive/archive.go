// Package archive copies finished downloads into a lode Store, on the local
// filesystem or in S3.
//
// Objects land at Hive-style day partitions:
//
//	downloads/day=<YYYY-MM-DD>/<download id>-<filename>
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/coapp/iox"
)

// Prefix is the top-level key prefix of archived downloads.
const Prefix = "downloads"

// Archive writes download copies into a lazily opened Store.
type Archive struct {
	factory lode.StoreFactory
	now     func() time.Time

	once     sync.Once
	store    lode.Store
	storeErr error
}

// New creates an Archive over factory. The store is opened on first use.
func New(factory lode.StoreFactory) *Archive {
	return &Archive{factory: factory, now: time.Now}
}

// NewFS creates an Archive rooted at dir, creating it if needed.
func NewFS(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("init", dir, err)
	}
	return New(lode.NewFSFactory(dir)), nil
}

// Key returns the object key for a download finished at t. Only the base
// name of filename is used.
func Key(t time.Time, id int64, filename string) string {
	return path.Join(Prefix, "day="+t.UTC().Format(time.DateOnly), fmt.Sprintf("%d-%s", id, filepath.Base(filename)))
}

func (a *Archive) open() (lode.Store, error) {
	a.once.Do(func() {
		a.store, a.storeErr = a.factory()
		if a.storeErr != nil {
			a.storeErr = wrap("init", "", a.storeErr)
		}
	})
	return a.store, a.storeErr
}

// Put stores r under the key for download id and returns the key.
func (a *Archive) Put(ctx context.Context, id int64, filename string, r io.Reader) (string, error) {
	store, err := a.open()
	if err != nil {
		return "", err
	}
	key := Key(a.now(), id, filename)
	if err := store.Put(ctx, key, r); err != nil {
		return "", wrap("put", key, err)
	}
	return key, nil
}

// PutFile archives the file at filePath.
func (a *Archive) PutFile(ctx context.Context, id int64, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	defer iox.DiscardClose(f)
	return a.Put(ctx, id, filePath, f)
}
