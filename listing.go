package main

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// listingCache keeps the last walkImages result for the root directory and
// drops it whenever fsnotify reports a change below the root, so /api/ls
// does not re-probe every file on each request.
type listingCache struct {
	root    string
	watcher *fsnotify.Watcher

	mu  sync.Mutex
	dir *Directory

	done chan struct{}
}

func newListingCache(root string) (*listingCache, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c := &listingCache{
		root:    root,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	if err := c.watchTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return c, nil
}

// watchTree adds dir and its subdirectories; fsnotify watches are not recursive.
func (c *listingCache) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != c.root && d.Name() == outputDirName {
			return filepath.SkipDir
		}
		return c.watcher.Add(path)
	})
}

// Start runs the event loop until ctx is done.
func (c *listingCache) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *listingCache) run(ctx context.Context) {
	defer close(c.done)
	defer c.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handleEvent(ctx, event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Ctx(ctx).Warn().Err(err).Msg("directory watcher error")
			c.invalidate()
		}
	}
}

func (c *listingCache) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := c.watchTree(event.Name); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("dir", event.Name).Msg("cannot watch new directory")
			}
		}
	}
	log.Ctx(ctx).Debug().Str("path", event.Name).Stringer("op", event.Op).Msg("listing invalidated")
	c.invalidate()
}

func (c *listingCache) invalidate() {
	c.mu.Lock()
	c.dir = nil
	c.mu.Unlock()
}

// Get returns the cached listing, walking the root again after a change.
func (c *listingCache) Get(ctx context.Context) (Directory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dir != nil {
		return *c.dir, nil
	}
	dir, err := listImages(ctx, c.root)
	if err != nil {
		return Directory{}, err
	}
	c.dir = &dir
	return dir, nil
}

// Wait blocks until the event loop has exited.
func (c *listingCache) Wait() {
	<-c.done
}

// listImages walks root and fills in the view URL of every file.
func listImages(ctx context.Context, root string) (Directory, error) {
	dir, err := walkImages(ctx, root)
	if err != nil {
		return Directory{}, err
	}
	for i := range dir.Files {
		dir.Files[i].URL = "/api/view?file=" + url.QueryEscape(dir.Files[i].Name)
	}
	return dir, nil
}
