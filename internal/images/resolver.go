package images

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"aoidash/internal/config"
)

var (
	ErrInvalidParams = errors.New("invalid parameters")
	ErrUnknownLine   = errors.New("invalid line id")
	ErrNotFound      = errors.New("image not found")
)

// Resolver maps a (line, dateFolder, file) reference to bytes on the
// line's exported-images share. Only the leaf file name is accepted and
// the date folder is reduced to digits, so a crafted query cannot walk
// outside the share.
type Resolver struct {
	cfg    *config.Manager
	logger *slog.Logger
	cache  *statCache
}

func NewResolver(cfg *config.Manager, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		logger: logger,
		cache:  newStatCache(cfg.Get().Images.CacheTTL),
	}
}

// Resolve returns the on-disk path for the reference. The date folder on
// slow shares sometimes lags the database row, so a miss falls back to
// the share root.
func (r *Resolver) Resolve(line int, date, file string) (string, error) {
	date = digitsOnly(date)
	file = filepath.Base(file)
	if line <= 0 || file == "" || file == "." || file == string(filepath.Separator) {
		return "", ErrInvalidParams
	}
	base := r.cfg.Get().ImagePath(line)
	if base == "" {
		return "", ErrUnknownLine
	}
	path := filepath.Join(base, date, file)
	if r.cache.exists(path) {
		return path, nil
	}
	fallback := filepath.Join(base, file)
	if r.cache.exists(fallback) {
		return fallback, nil
	}
	return "", ErrNotFound
}

func (r *Resolver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := req.URL.Query()
	line, _ := strconv.Atoi(q.Get("line"))
	file := q.Get("file")
	if line == 0 || file == "" {
		http.Error(w, "Invalid parameters.", http.StatusBadRequest)
		return
	}
	path, err := r.Resolve(line, q.Get("date"), file)
	switch {
	case errors.Is(err, ErrInvalidParams):
		http.Error(w, "Invalid parameters.", http.StatusBadRequest)
		return
	case errors.Is(err, ErrUnknownLine):
		http.Error(w, "Invalid line ID.", http.StatusNotFound)
		return
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("image open failed", "path", path, "err", err)
		}
		http.Error(w, "Error reading image", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", MimeFor(path))
	w.Header().Set("Cache-Control", "no-store")
	if _, err := io.Copy(w, f); err != nil && r.logger != nil {
		r.logger.Warn("image stream interrupted", "path", path, "err", err)
	}
}

func MimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}

// statCache memoizes existence checks; the shares are mounted over the
// network and dashboards hammer the same image between refreshes.
type statCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]statEntry
}

type statEntry struct {
	exists bool
	at     time.Time
}

func newStatCache(ttl time.Duration) *statCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &statCache{ttl: ttl, entries: make(map[string]statEntry)}
}

func (c *statCache) exists(path string) bool {
	now := time.Now()
	c.mu.Lock()
	if e, ok := c.entries[path]; ok && now.Sub(e.at) < c.ttl {
		c.mu.Unlock()
		return e.exists
	}
	c.mu.Unlock()

	_, err := os.Stat(path)
	exists := err == nil

	c.mu.Lock()
	c.entries[path] = statEntry{exists: exists, at: now}
	c.mu.Unlock()
	return exists
}
