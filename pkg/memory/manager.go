package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	defaultSearchResults = 10
	maxSearchResults     = 50
)

// Config configures a Manager
type Config struct {
	Logger *zerolog.Logger
	// DisableWatcher turns off fsnotify invalidation; writes through the
	// Manager still invalidate the index.
	DisableWatcher bool
	Debounce       time.Duration
	Now            func() time.Time
}

// GetResult is the output of memory.get
type GetResult struct {
	Path       string `json:"path"`
	Text       string `json:"text"`
	From       int    `json:"from"`
	Lines      int    `json:"lines"`
	TotalLines int    `json:"totalLines"`
}

// AppendResult is the output of memory.appendDaily
type AppendResult struct {
	Path         string `json:"path"`
	Entry        string `json:"entry"`
	LongTermPath string `json:"longTermPath,omitempty"`
}

// SearchResult is one ranked memory.search hit
type SearchResult struct {
	Path  string  `json:"path"`
	Line  int     `json:"line"`
	Score float64 `json:"score"`
	Text  string  `json:"text"`
}

type note struct {
	path  string
	lines []string
}

type noteIndex struct {
	dirty bool
	notes []note
}

// Manager reads, appends and searches memory notes across sandbox roots
type Manager struct {
	mu      sync.Mutex
	indexes map[string]*noteIndex
	gens    map[string]uint64
	locks   map[string]*sync.Mutex

	watcher *FileWatcher
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager creates a memory manager
func NewManager(cfg Config) (*Manager, error) {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	m := &Manager{
		indexes: make(map[string]*noteIndex),
		gens:    make(map[string]uint64),
		locks:   make(map[string]*sync.Mutex),
		logger:  logger.With().Str("component", "memory").Logger(),
		now:     cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}

	if !cfg.DisableWatcher {
		w, err := NewFileWatcher(m.logger, cfg.Debounce, m.markDirtyDirs)
		if err != nil {
			return nil, fmt.Errorf("failed to start memory watcher: %w", err)
		}
		m.watcher = w
	}

	return m, nil
}

// Close stops the watcher
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Stop()
	}
	return nil
}

// Get reads a line window of a note. A missing note is an empty result.
func (m *Manager) Get(ctx context.Context, root, path string, from, lines int) (*GetResult, error) {
	candidates, err := Candidates(path)
	if err != nil {
		return nil, err
	}
	if from < 1 {
		from = 1
	}
	if lines < 0 {
		return nil, toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "lines must be >= 0")
	}

	result := &GetResult{Path: candidates[0], From: from}
	for _, candidate := range candidates {
		abs, err := sandbox.Resolve(root, candidate)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", candidate, err)
		}

		all := splitLines(string(data))
		result.Path = candidate
		result.TotalLines = len(all)
		if from <= len(all) {
			end := len(all)
			if lines > 0 && from-1+lines < end {
				end = from - 1 + lines
			}
			window := all[from-1 : end]
			result.Text = strings.Join(window, "\n")
			result.Lines = len(window)
		}
		break
	}

	return result, nil
}

// AppendDaily appends a timestamped bullet to the daily note of date (today
// when empty) and optionally to the long-term note
func (m *Manager) AppendDaily(ctx context.Context, root, content, date string, includeLongTerm bool) (*AppendResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "content is required")
	}

	now := m.now().UTC()
	if date == "" {
		date = now.Format("2006-01-02")
	} else if err := ValidateDate(date); err != nil {
		return nil, err
	}

	lock := m.rootLock(root)
	lock.Lock()
	defer lock.Unlock()

	bullet := formatBullet(now, content)
	daily := DailyPath(date)
	if err := appendNote(root, daily, "# "+date+"\n\n", bullet); err != nil {
		return nil, err
	}

	result := &AppendResult{Path: daily, Entry: strings.TrimRight(bullet, "\n")}
	if includeLongTerm {
		if err := appendNote(root, LongTermPath, "", bullet); err != nil {
			return nil, err
		}
		result.LongTermPath = LongTermPath
	}

	m.invalidate(root)

	m.logger.Debug().Str("root", root).Str("path", daily).Bool("long_term", includeLongTerm).Msg("Memory note appended")
	return result, nil
}

func appendNote(root, rel, header, text string) error {
	abs, err := sandbox.Resolve(root, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}

	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	if header != "" {
		if info, err := f.Stat(); err == nil && info.Size() == 0 {
			text = header + text
		}
	}
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to %s: %w", rel, err)
	}
	return nil
}

// Search ranks note lines by the share of query terms they contain
func (m *Manager) Search(ctx context.Context, root, query string, maxResults int) ([]SearchResult, error) {
	start := time.Now()
	defer func() { observability.RecordMemorySearch(time.Since(start)) }()

	_, span := tracing.StartSpan(ctx, "agentgw.memory", "memory.search", attribute.Int("query.length", len(query)))
	defer span.End()

	terms := uniqueTerms(query)
	if len(terms) == 0 {
		return nil, toolexecutor.NewToolError(toolexecutor.CodeInvalidArgs, "query is required")
	}
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}
	if maxResults > maxSearchResults {
		maxResults = maxSearchResults
	}

	notes, err := m.notes(root)
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	phrase := strings.ToLower(strings.Join(strings.Fields(query), " "))
	results := []SearchResult{}
	for _, n := range notes {
		for i, line := range n.lines {
			lower := strings.ToLower(line)
			matched := 0
			for _, term := range terms {
				if strings.Contains(lower, term) {
					matched++
				}
			}
			if matched == 0 {
				continue
			}
			score := float64(matched) / float64(len(terms))
			if len(terms) > 1 && strings.Contains(lower, phrase) {
				score += 0.5
			}
			results = append(results, SearchResult{
				Path:  n.path,
				Line:  i + 1,
				Score: score,
				Text:  strings.TrimSpace(line),
			})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Path != results[j].Path {
			return results[i].Path < results[j].Path
		}
		return results[i].Line < results[j].Line
	})
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	return results, nil
}

func uniqueTerms(query string) []string {
	seen := make(map[string]bool)
	terms := []string{}
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}
	return terms
}

// notes returns the cached notes of root, rebuilding a dirty or missing index
func (m *Manager) notes(root string) ([]note, error) {
	m.mu.Lock()
	idx, ok := m.indexes[root]
	if ok && !idx.dirty {
		notes := idx.notes
		m.mu.Unlock()
		return notes, nil
	}
	gen := m.gens[root]
	m.mu.Unlock()

	notes, dirs, err := loadNotes(root)
	if err != nil {
		return nil, err
	}

	if m.watcher != nil {
		for _, dir := range dirs {
			if err := m.watcher.Watch(dir); err != nil {
				m.logger.Debug().Err(err).Str("dir", dir).Msg("Failed to watch memory directory")
			}
		}
	}

	m.mu.Lock()
	// a write during the scan leaves the index dirty
	m.indexes[root] = &noteIndex{notes: notes, dirty: m.gens[root] != gen}
	m.mu.Unlock()

	m.logger.Debug().Str("root", root).Int("notes", len(notes)).Msg("Memory index rebuilt")
	return notes, nil
}

// loadNotes reads every note under root and the directories holding them
func loadNotes(root string) ([]note, []string, error) {
	var rels []string
	dirs := []string{}

	if info, err := os.Stat(root); err == nil && info.IsDir() {
		dirs = append(dirs, root)
	}
	for _, alias := range longTermAliases {
		if !strings.Contains(alias, "/") {
			rels = append(rels, alias)
		}
	}

	memDir := filepath.Join(root, "memory")
	err := filepath.WalkDir(memDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == memDir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		rel := sandbox.Rel(root, p)
		if IsNotePath(rel) {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.SkipDir) {
		return nil, nil, fmt.Errorf("failed to scan memory notes: %w", err)
	}

	notes := []note{}
	seen := make(map[string]bool)
	for _, rel := range rels {
		abs, err := sandbox.Resolve(root, rel)
		if err != nil {
			continue
		}
		if seen[abs] {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		seen[abs] = true
		notes = append(notes, note{path: rel, lines: splitLines(string(data))})
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].path < notes[j].path })

	return notes, dirs, nil
}

func (m *Manager) invalidate(root string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[root]++
	if idx, ok := m.indexes[root]; ok {
		idx.dirty = true
	}
}

// markDirtyDirs invalidates every index whose root contains one of dirs
func (m *Manager) markDirtyDirs(dirs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for root, idx := range m.indexes {
		for _, dir := range dirs {
			if dir == root || strings.HasPrefix(dir, root+string(filepath.Separator)) {
				idx.dirty = true
				m.gens[root]++
				break
			}
		}
	}
}

func (m *Manager) rootLock(root string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[root]
	if !ok {
		l = &sync.Mutex{}
		m.locks[root] = l
	}
	return l
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
