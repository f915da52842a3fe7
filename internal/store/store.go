package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flowtrace/engine/internal/codec"
	"github.com/flowtrace/engine/internal/errs"
	"github.com/flowtrace/engine/internal/footprint"
	"github.com/flowtrace/engine/internal/partition"
	"github.com/flowtrace/engine/internal/trade"
)

// DedupeCache is the second, cross-process tier behind the in-memory
// recentCache: a distributed marker of which (period-file, open-time)
// pairs have already been written, so two ingestor instances sharing a
// data directory don't double-append the same candle. Typically backed
// by internal/cache.RedisCache.
type DedupeCache interface {
	SeenOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) (bool, error)
	MarkOpenTime(ctx context.Context, periodFileKey string, openTimeMs int64) error
}

// Store is the append-only, partitioned file store described in
// spec.md §4.2. One Store serves the whole process; concurrent Save
// calls for the same (venue, symbol, interval) key are expected to be
// serialized upstream by C5's symbol-ownership invariant, but Store
// itself still guards its header/index read-modify-write with a mutex
// per period-file path so a misbehaving caller cannot corrupt a file.
type Store struct {
	baseDir       string
	recent        *recentCache
	writeMetadata bool
	dedupe        DedupeCache

	mu       sync.Mutex
	fileLock map[string]*sync.Mutex
}

func New(baseDir string, writeMetadataFiles bool) *Store {
	return &Store{
		baseDir:       baseDir,
		recent:        newRecentCache(),
		writeMetadata: writeMetadataFiles,
		fileLock:      make(map[string]*sync.Mutex),
	}
}

// SetDedupeCache wires an optional second-tier distributed dedupe cache
// in behind the in-memory recent-timestamps set.
func (s *Store) SetDedupeCache(c DedupeCache) {
	s.dedupe = c
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLock[path]
	if !ok {
		l = &sync.Mutex{}
		s.fileLock[path] = l
	}
	return l
}

func (s *Store) intervalDir(venue trade.Venue, symbol string, kind Kind, interval string) string {
	return filepath.Join(s.baseDir, string(venue), symbol, string(kind), interval)
}

func (s *Store) periodPath(venue trade.Venue, symbol string, kind Kind, interval, period string) string {
	return filepath.Join(s.intervalDir(venue, symbol, kind, interval), period+".bin")
}

func (s *Store) idxPath(periodPath string) string {
	return strings.TrimSuffix(periodPath, ".bin") + ".idx"
}

// Save persists a complete footprint candle following the spec.md §4.2
// save contract: an LZ4-compressed FTCO candle record is always written;
// an LZ4-compressed FTFO footprint record is additionally written when
// the candle carries a non-empty bin histogram. Duplicates (by the
// recent-timestamp cache or the .idx range check) are treated as
// success.
func (s *Store) Save(c *footprint.Candle) error {
	intervalMs, err := partition.IntervalMs(c.Interval)
	if err != nil {
		return err
	}
	if err := c.Validate(intervalMs); err != nil {
		return err
	}

	period, err := partition.For(c.Interval, c.OpenTime)
	if err != nil {
		return err
	}

	if err := s.saveKind(c, KindCandles, period, false); err != nil {
		return err
	}
	if len(c.Bins) > 0 {
		if err := s.saveKind(c, KindFootprints, period, true); err != nil {
			return err
		}
	}
	return nil
}

// EmitCandle implements the worker/footprint Sink interface, letting a
// Store be wired directly as the aggregator's completion sink. Save
// errors are logged rather than propagated since there is no caller on
// this path to return them to.
func (s *Store) EmitCandle(c *footprint.Candle) {
	if err := s.Save(c); err != nil {
		log.Printf("[store] failed to save completed candle %s %s %s@%d: %v", c.Venue, c.Symbol, c.Interval, c.OpenTime, err)
	}
}

func (s *Store) saveKind(c *footprint.Candle, kind Kind, period partition.Period, withBins bool) error {
	path := s.periodPath(c.Venue, c.Symbol, kind, c.Interval, period.Name)
	cacheKey := path

	if s.recent.Contains(cacheKey, c.OpenTime) {
		return nil
	}
	if s.dedupe != nil {
		ctx := context.Background()
		if seen, err := s.dedupe.SeenOpenTime(ctx, cacheKey, c.OpenTime); err != nil {
			log.Printf("[store] dedupe cache check failed for %s@%d, falling back to the .idx range check: %v", cacheKey, c.OpenTime, err)
		} else if seen {
			s.recent.Insert(cacheKey, c.OpenTime)
			return nil
		}
	}

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	idxPath := s.idxPath(path)
	idx, err := readIndex(idxPath)
	if err != nil {
		return fmt.Errorf("store: read index %s: %w", idxPath, err)
	}
	if idx != nil && c.OpenTime >= idx.FirstTS && c.OpenTime <= idx.LastTS {
		s.recent.Insert(cacheKey, c.OpenTime)
		return nil
	}

	// Insert before writing to close the race window spec.md §4.2 step 5
	// calls out between concurrent saves of the same key.
	s.recent.Insert(cacheKey, c.OpenTime)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", filepath.Dir(path), err)
	}

	var magic [4]byte
	var payload []byte
	if withBins {
		magic, payload, err = codec.EncodeFootprintOnly(c)
	} else {
		magic, payload, err = codec.EncodeCandleOnly(c)
	}
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}

	header, isNew, err := s.openOrInitHeader(path, c.Symbol, c.Interval)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	if err := codec.WriteRecord(f, magic, payload); err != nil {
		return fmt.Errorf("store: append record: %w", err)
	}

	header.Count++
	if isNew || c.OpenTime < header.FirstTS {
		header.FirstTS = c.OpenTime
	}
	if c.OpenTime > header.LastTS {
		header.LastTS = c.OpenTime
	}
	if err := s.rewriteHeader(path, header); err != nil {
		return fmt.Errorf("store: update header: %w", err)
	}

	newIdx := &Index{
		Period:   period.Name,
		Pattern:  string(period.Pattern),
		Count:    header.Count,
		FirstTS:  header.FirstTS,
		LastTS:   header.LastTS,
		Symbol:   c.Symbol,
		Interval: c.Interval,
	}
	if err := writeIndex(idxPath, newIdx); err != nil {
		return fmt.Errorf("store: write index: %w", err)
	}

	if s.writeMetadata {
		if err := s.updateMetadata(c.Venue, c.Symbol, kind, c.Interval, period.Name); err != nil {
			return fmt.Errorf("store: update metadata: %w", err)
		}
	}

	if s.dedupe != nil {
		if err := s.dedupe.MarkOpenTime(context.Background(), cacheKey, c.OpenTime); err != nil {
			log.Printf("[store] dedupe cache mark failed for %s@%d: %v", cacheKey, c.OpenTime, err)
		}
	}

	return nil
}

// openOrInitHeader reads the existing header, or writes a fresh
// count=0 header if the file doesn't exist yet.
func (s *Store) openOrInitHeader(path, symbol, interval string) (codec.Header, bool, error) {
	buf, err := os.ReadFile(path)
	if err == nil && len(buf) >= codec.HeaderSize {
		h, err := codec.UnmarshalHeader(buf[:codec.HeaderSize])
		return h, false, err
	}
	if err != nil && !os.IsNotExist(err) {
		return codec.Header{}, false, err
	}

	h := codec.Header{Version: 1, RecordSize: 0, Count: 0, Symbol: symbol, Interval: interval}
	raw, err := h.Marshal()
	if err != nil {
		return codec.Header{}, false, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return codec.Header{}, false, err
	}
	return h, true, nil
}

func (s *Store) rewriteHeader(path string, h codec.Header) error {
	raw, err := h.Marshal()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(raw, 0)
	return err
}

func (s *Store) updateMetadata(venue trade.Venue, symbol string, kind Kind, interval, period string) error {
	metaPath := filepath.Join(s.intervalDir(venue, symbol, kind, interval), "metadata.json")
	m, err := readMetadata(metaPath)
	if err != nil {
		return err
	}
	m.Symbol = symbol
	m.Interval = interval
	if !containsPeriod(m.PeriodList, period) {
		m.PeriodList = append(m.PeriodList, period)
		sort.Strings(m.PeriodList)
	}
	return writeMetadata(metaPath, m)
}

// FindBySymbol enumerates period files for (venue, symbol, interval)
// whose .idx range overlaps [startTimeMs, endTimeMs], reads them in
// ascending period order, and returns up to limit matching candles.
// A zero endTimeMs means "no upper bound"; limit <= 0 means unbounded.
func (s *Store) FindBySymbol(venue trade.Venue, symbol string, interval string, startTimeMs, endTimeMs int64, limit int) ([]*footprint.Candle, error) {
	dir := s.intervalDir(venue, symbol, KindCandles, interval)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read dir %s: %w", dir, err)
	}

	type periodFile struct {
		name string
		idx  *Index
	}
	var files []periodFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		idx, err := readIndex(filepath.Join(dir, e.Name()))
		if err != nil || idx == nil {
			continue
		}
		if endTimeMs != 0 && idx.FirstTS > endTimeMs {
			continue
		}
		if idx.LastTS < startTimeMs {
			continue
		}
		files = append(files, periodFile{name: idx.Period, idx: idx})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].idx.FirstTS < files[j].idx.FirstTS })

	var results []*footprint.Candle
	for _, pf := range files {
		candles, err := s.readPeriodFile(filepath.Join(dir, pf.name+".bin"))
		if err != nil {
			return nil, err
		}
		for _, c := range candles {
			if c.OpenTime < startTimeMs {
				continue
			}
			if endTimeMs != 0 && c.OpenTime > endTimeMs {
				continue
			}
			results = append(results, c)
			if limit > 0 && len(results) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// FindWithFootprint joins FindBySymbol's candles with the matching
// footprint records by open-time; candles with no footprint record get
// an empty bin map.
func (s *Store) FindWithFootprint(venue trade.Venue, symbol, interval string, startTimeMs, endTimeMs int64, limit int) ([]*footprint.Candle, error) {
	candles, err := s.FindBySymbol(venue, symbol, interval, startTimeMs, endTimeMs, limit)
	if err != nil {
		return nil, err
	}

	footDir := s.intervalDir(venue, symbol, KindFootprints, interval)
	footprints, err := s.readAllInDir(footDir)
	if err != nil {
		return nil, err
	}
	byOpen := make(map[int64]*footprint.Candle, len(footprints))
	for _, f := range footprints {
		byOpen[f.OpenTime] = f
	}

	for _, c := range candles {
		if f, ok := byOpen[c.OpenTime]; ok {
			c.Bins = f.Bins
		}
	}
	return candles, nil
}

// FindLatest returns the candle with the highest open-time across all
// period files for (venue, symbol, interval).
func (s *Store) FindLatest(venue trade.Venue, symbol, interval string) (*footprint.Candle, error) {
	dir := s.intervalDir(venue, symbol, KindCandles, interval)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var bestPeriod string
	var bestLastTS int64 = -1
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".idx") {
			continue
		}
		idx, err := readIndex(filepath.Join(dir, e.Name()))
		if err != nil || idx == nil {
			continue
		}
		if idx.LastTS > bestLastTS {
			bestLastTS = idx.LastTS
			bestPeriod = idx.Period
		}
	}
	if bestPeriod == "" {
		return nil, nil
	}

	candles, err := s.readPeriodFile(filepath.Join(dir, bestPeriod+".bin"))
	if err != nil {
		return nil, err
	}
	var latest *footprint.Candle
	for _, c := range candles {
		if latest == nil || c.OpenTime > latest.OpenTime {
			latest = c
		}
	}
	return latest, nil
}

func (s *Store) readAllInDir(dir string) ([]*footprint.Candle, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []*footprint.Candle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		candles, err := s.readPeriodFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		all = append(all, candles...)
	}
	return all, nil
}

// readPeriodFile reads every record from a period file. If the header's
// count disagrees with what a full scan finds, the scan result wins
// (spec.md §4.2: "readers must tolerate this by scanning records if the
// header disagrees with observed length").
func (s *Store) readPeriodFile(path string) ([]*footprint.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	headerBuf := make([]byte, codec.HeaderSize)
	if _, err := f.Read(headerBuf); err != nil {
		return nil, fmt.Errorf("store: read header %s: %w", path, err)
	}
	if _, err := codec.UnmarshalHeader(headerBuf); err != nil {
		return nil, &errs.ValidationError{Rules: []string{fmt.Sprintf("bad header in %s: %v", path, err)}}
	}

	var candles []*footprint.Candle
	for {
		magic, payload, err := codec.ReadRecord(f)
		if err != nil {
			break // EOF or truncated trailing record; stop at last complete one.
		}
		c, err := codec.DecodeRecord(magic, payload)
		if err != nil {
			return nil, fmt.Errorf("store: decode record in %s: %w", path, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}
