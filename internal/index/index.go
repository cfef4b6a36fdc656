// Package index builds and serves in-memory search indexes over the
// namespace of a browsed share. An index is built once per browse session,
// on first use, and dropped when the session goes away.
package index

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/smbclient"
)

// Status describes where a session's index is in its lifecycle.
type Status string

const (
	StatusUnbuilt     Status = "unbuilt"
	StatusBuilding    Status = "building"
	StatusReady       Status = "ready"
	StatusBuildFailed Status = "build_failed"
)

// Lister lists one directory of a share. smbclient.Session satisfies it.
type Lister interface {
	ListDirectory(ctx context.Context, share, path string) ([]smbclient.Entry, error)
}

// Entry is one file or directory in a share.
type Entry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  *int64 `json:"size,omitempty"`
}

// ShareIndex is the flattened namespace of one share, sorted by path.
type ShareIndex struct {
	SessionID string    `json:"session_id"`
	Share     string    `json:"share"`
	Entries   []Entry   `json:"entries"`
	BuiltAt   time.Time `json:"built_at"`

	folded []string
}

// Query returns every entry whose path contains keyword, ignoring case, in
// index order.
func (idx *ShareIndex) Query(keyword string) []Entry {
	needle := strings.ToLower(keyword)
	matches := make([]Entry, 0)
	for i, p := range idx.folded {
		if strings.Contains(p, needle) {
			matches = append(matches, idx.Entries[i])
		}
	}
	return matches
}

// SearchResult is the outcome of a non-blocking search. Err is set for a
// rejected request, while building (INDEX_BUILDING) and after a failed
// build.
type SearchResult struct {
	Status  Status  `json:"status"`
	Entries []Entry `json:"entries,omitempty"`
	Err     error   `json:"-"`
}

type session struct {
	share  string
	lister Lister

	status Status
	index  *ShareIndex
	err    error
	cancel context.CancelFunc
}

// Cache holds the indexes of every registered browse session.
type Cache struct {
	workers      int
	buildTimeout time.Duration
	metrics      metrics.Recorder
	logger       *logging.Logger

	mu       sync.Mutex
	sessions map[string]*session
	builds   singleflight.Group
}

// NewCache creates a cache that walks shares with cfg.IndexWorkers listings
// in flight.
func NewCache(cfg config.BrowseConfig, recorder metrics.Recorder, logger *logging.Logger) *Cache {
	if cfg.IndexWorkers < 1 {
		cfg.IndexWorkers = 1
	}
	if recorder == nil {
		recorder = metrics.GetGlobalMetrics()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Cache{
		workers:      cfg.IndexWorkers,
		buildTimeout: cfg.BuildTimeout,
		metrics:      recorder,
		logger:       logger.WithComponent("index"),
		sessions:     make(map[string]*session),
	}
}

// Register makes share, listed through lister, searchable under sessionID.
// Nothing is walked until the first search. Registering an ID again
// replaces the previous session and drops its index.
func (c *Cache) Register(sessionID, share string, lister Lister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.sessions[sessionID]; ok && old.cancel != nil {
		old.cancel()
	}
	c.sessions[sessionID] = &session{share: share, lister: lister, status: StatusUnbuilt}
}

// Discard drops the session and its index, aborting a build in progress.
// It reports whether the session existed.
func (c *Cache) Discard(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return false
	}
	if s.cancel != nil {
		s.cancel()
	}
	delete(c.sessions, sessionID)
	c.logger.WithSession(sessionID).Debug("Index discarded", "share", s.share)
	return true
}

// Close discards every session.
func (c *Cache) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Discard(id)
	}
}

// Status returns the index status of a session.
func (c *Cache) Status(sessionID string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return "", errors.ErrSessionNotFound(sessionID)
	}
	return s.status, nil
}

// Build walks the session's share unless it is already indexed. Concurrent
// callers share one walk. A failed build leaves the session unindexed and
// the next call walks again. ctx only bounds the caller's wait; the walk
// itself ends with the session or the build timeout.
func (c *Cache) Build(ctx context.Context, sessionID string) (*ShareIndex, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, errors.ErrSessionNotFound(sessionID)
	}
	if s.status == StatusReady {
		idx := s.index
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	// Keyed per registration, so a walk of a replaced session is never
	// shared with callers of its successor.
	key := fmt.Sprintf("%s/%p", sessionID, s)
	ch := c.builds.DoChan(key, func() (any, error) {
		return c.build(sessionID, s)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ShareIndex), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Search returns the entries of the session's share whose path contains
// keyword, ignoring case, building the index first if needed.
func (c *Cache) Search(ctx context.Context, sessionID, keyword string) ([]Entry, error) {
	if err := validateKeyword(keyword); err != nil {
		return nil, err
	}
	idx, err := c.Build(ctx, sessionID)
	if err != nil {
		c.metrics.IncrementIndexSearches(metrics.StatusFailed)
		return nil, err
	}
	c.metrics.IncrementIndexSearches(metrics.StatusSuccess)
	return idx.Query(keyword), nil
}

// TrySearch is the non-blocking form of Search. A rejected request carries
// only Err. Until the index is ready it reports StatusBuilding and makes
// sure a build is running; after a failed build it reports
// StatusBuildFailed once per attempt and starts another.
func (c *Cache) TrySearch(sessionID, keyword string) SearchResult {
	if err := validateKeyword(keyword); err != nil {
		return SearchResult{Err: err}
	}

	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return SearchResult{Err: errors.ErrSessionNotFound(sessionID)}
	}
	status, idx, buildErr := s.status, s.index, s.err
	if status != StatusReady && status != StatusBuilding {
		s.status = StatusBuilding
	}
	c.mu.Unlock()

	switch status {
	case StatusReady:
		c.metrics.IncrementIndexSearches(metrics.StatusSuccess)
		return SearchResult{Status: StatusReady, Entries: idx.Query(keyword)}
	case StatusBuilding:
		c.metrics.IncrementIndexSearches(metrics.StatusBuilding)
		return SearchResult{Status: StatusBuilding, Err: errors.ErrIndexBuilding(sessionID)}
	}

	go func() {
		_, _ = c.Build(context.Background(), sessionID)
	}()

	if status == StatusBuildFailed {
		c.metrics.IncrementIndexSearches(metrics.StatusFailed)
		return SearchResult{Status: StatusBuildFailed, Err: buildErr}
	}
	c.metrics.IncrementIndexSearches(metrics.StatusBuilding)
	return SearchResult{Status: StatusBuilding, Err: errors.ErrIndexBuilding(sessionID)}
}

// buildContext bounds one walk by the build timeout, if any. The cancel
// func is also how Discard and Register stop the walk.
func (c *Cache) buildContext() (context.Context, context.CancelFunc) {
	if c.buildTimeout > 0 {
		return context.WithTimeout(context.Background(), c.buildTimeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Cache) build(sessionID string, s *session) (*ShareIndex, error) {
	ctx, cancel := c.buildContext()
	defer cancel()

	c.mu.Lock()
	if c.sessions[sessionID] != s {
		c.mu.Unlock()
		return nil, errors.ErrSessionNotFound(sessionID)
	}
	if s.status == StatusReady {
		idx := s.index
		c.mu.Unlock()
		return idx, nil
	}
	s.status = StatusBuilding
	s.cancel = cancel
	c.mu.Unlock()

	log := c.logger.WithSession(sessionID)
	log.InfoIndex("Building share index", sessionID, "share", s.share)
	start := time.Now()

	entries, err := c.walk(ctx, sessionID, s)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.cancel = nil
	current := c.sessions[sessionID] == s

	if err != nil {
		if !current {
			return nil, errors.ErrSessionNotFound(sessionID)
		}
		s.status = StatusBuildFailed
		s.err = err
		c.metrics.RecordIndexBuild(metrics.StatusFailed, 0, time.Since(start))
		log.ErrorIndex("Share index build failed", sessionID, err, "share", s.share)
		return nil, err
	}
	if !current {
		return nil, errors.ErrSessionNotFound(sessionID)
	}

	idx := &ShareIndex{
		SessionID: sessionID,
		Share:     s.share,
		Entries:   entries,
		BuiltAt:   time.Now().UTC(),
		folded:    make([]string, len(entries)),
	}
	for i, e := range entries {
		idx.folded[i] = strings.ToLower(e.Path)
	}
	s.status = StatusReady
	s.index = idx
	s.err = nil

	duration := time.Since(start)
	c.metrics.RecordIndexBuild(metrics.StatusSuccess, len(entries), duration)
	log.InfoIndex("Share index built", sessionID, "share", s.share, "entries", len(entries), "duration", duration)
	return idx, nil
}

// walk lists the share one depth level at a time, with at most c.workers
// listings in flight. Any listing failure fails the whole walk.
func (c *Cache) walk(ctx context.Context, sessionID string, s *session) ([]Entry, error) {
	entries := make([]Entry, 0)
	level := []string{""}

	for len(level) > 0 {
		listings := make([][]smbclient.Entry, len(level))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for i, dir := range level {
			g.Go(func() error {
				list, err := s.lister.ListDirectory(gctx, s.share, dir)
				if err != nil {
					return errors.ErrIndexBuildFailed(sessionID, dir, err)
				}
				listings[i] = list
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []string
		for i, dir := range level {
			for _, item := range listings[i] {
				if item.Name == "." || item.Name == ".." || item.Name == "" {
					continue
				}
				entry := Entry{Path: path.Join(dir, item.Name), IsDir: item.IsDir}
				if item.IsDir {
					next = append(next, entry.Path)
				} else {
					size := item.Size
					entry.Size = &size
				}
				entries = append(entries, entry)
			}
		}
		level = next
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func validateKeyword(keyword string) error {
	if strings.TrimSpace(keyword) == "" {
		return errors.NewScanError(errors.CodeValidation, "Search keyword is required")
	}
	return nil
}
