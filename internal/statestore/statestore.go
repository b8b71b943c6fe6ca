// Package statestore implements the Persistent State Store: a single
// JSON document holding per-output history, cumulative hours, current
// target, app-override timers and last-known relay state, written
// atomically (temp file + fsync + rename) so a crash mid-write never
// corrupts the document.
package statestore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"nrgchamp/powercontroller/internal/model"
)

const schemaVersion = 1

// Document is the on-disk shape of the state file. Only outputs and meta
// are read and written: Load does not fill Extra and the encoder skips
// it, so other top-level fields of an existing file are dropped on the
// next rewrite.
type Document struct {
	Outputs map[string]OutputStateDoc `json:"outputs"`
	Meta    Meta                      `json:"meta"`
	Extra   map[string]json.RawMessage `json:"-"`
}

type Meta struct {
	SchemaVersion int       `json:"schemaVersion"`
	WrittenAt     time.Time `json:"writtenAt"`
}

// OutputStateDoc mirrors model.OutputState in a JSON-friendly shape.
type OutputStateDoc struct {
	Relay               string             `json:"relay"`
	LastChanged         time.Time          `json:"lastChanged"`
	OnSecondsToday       int64             `json:"onSecondsToday"`
	Day                  time.Time         `json:"day"`
	CarriedShortfallHrs  float64           `json:"carriedShortfallHrs"`
	Override             *AppOverrideDoc   `json:"override,omitempty"`
	History              []DayHistoryDoc   `json:"history"`
	LastMeterReading     float64           `json:"lastMeterReading"`
	LastMeterAt          time.Time         `json:"lastMeterAt"`
	LastDeviceContact     time.Time         `json:"lastDeviceContact"`
}

type AppOverrideDoc struct {
	Target    string    `json:"target"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type DayHistoryDoc struct {
	Date      time.Time `json:"date"`
	OnSeconds int64     `json:"onSeconds"`
	EnergyWh  float64   `json:"energyWh"`
	Cost      float64   `json:"cost"`
}

// Store owns the single state file. It is the sole writer; readers get
// copy-on-read snapshots via Get.
type Store struct {
	path        string
	log         *slog.Logger
	daysOfHistory map[string]int

	mu   sync.Mutex
	doc  Document
	// dirty tracks outputs mutated since the last Flush, so writes can be
	// coalesced to at most once per tick per output.
	dirty map[string]bool
}

func New(path string, log *slog.Logger) *Store {
	return &Store{
		path:          path,
		log:           log.With("component", "statestore"),
		daysOfHistory: map[string]int{},
		doc:           Document{Outputs: map[string]OutputStateDoc{}},
		dirty:         map[string]bool{},
	}
}

// SetHistoryLimit configures the per-output history-ring truncation
// length.
func (s *Store) SetHistoryLimit(output string, days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daysOfHistory[output] = days
}

// Load reads the state file at startup. A missing file initialises
// empty state; a corrupt file is backed up with a timestamp suffix and
// a fresh empty state is used instead.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Info("state_file_missing_initialising_empty")
			return nil
		}
		return fmt.Errorf("statestore: read %s: %w", s.path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.backupCorrupt(data)
		s.log.Error("state_file_corrupt_reinitialised", "error", err)
		return nil
	}
	if doc.Outputs == nil {
		doc.Outputs = map[string]OutputStateDoc{}
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *Store) backupCorrupt(data []byte) {
	backupPath := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		s.log.Error("corrupt_state_backup_failed", "error", err)
	}
}

// Get returns a copy of the persisted state for an output, or the zero
// value with ok=false if the output has never been written.
func (s *Store) Get(output string) (model.OutputState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.doc.Outputs[output]
	if !ok {
		return model.OutputState{}, false
	}
	return docToState(output, d), true
}

// Put records a new OutputState for an output and marks it dirty; the
// write itself happens on the next Flush.
func (s *Store) Put(output string, st model.OutputState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Outputs[output] = stateToDoc(st)
	s.dirty[output] = true
}

// Flush persists the document if anything is dirty. Writes occur after
// any state-mutating transition and at most once per tick per output,
// which callers achieve by batching Put calls before calling Flush once.
func (s *Store) Flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	for output := range s.dirty {
		if limit, ok := s.daysOfHistory[output]; ok && limit > 0 {
			d := s.doc.Outputs[output]
			if len(d.History) > limit {
				d.History = d.History[len(d.History)-limit:]
				s.doc.Outputs[output] = d
			}
		}
	}
	s.doc.Meta = Meta{SchemaVersion: schemaVersion, WrittenAt: time.Now().UTC()}
	doc := s.doc
	s.dirty = map[string]bool{}
	s.mu.Unlock()

	return s.writeAtomic(doc)
}

// writeAtomic serialises the document, writes a temp file in the same
// directory, fsyncs it, then renames over the target.
func (s *Store) writeAtomic(doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	tmp, err := os.CreateTemp(dir, ".state-"+uuid.NewString()+".tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func stateToDoc(st model.OutputState) OutputStateDoc {
	d := OutputStateDoc{
		Relay:               string(st.Relay),
		LastChanged:         st.LastChanged,
		OnSecondsToday:       st.OnSecondsToday,
		Day:                  st.Day,
		CarriedShortfallHrs:  st.CarriedShortfallHrs,
		LastMeterReading:     st.LastMeterReading,
		LastMeterAt:          st.LastMeterAt,
		LastDeviceContact:     st.LastDeviceContact,
	}
	if st.Override != nil {
		d.Override = &AppOverrideDoc{Target: string(st.Override.Target), ExpiresAt: st.Override.ExpiresAt}
	}
	for _, h := range st.History {
		d.History = append(d.History, DayHistoryDoc{Date: h.Date, OnSeconds: h.OnSeconds, EnergyWh: h.EnergyWh, Cost: h.Cost})
	}
	return d
}

func docToState(name string, d OutputStateDoc) model.OutputState {
	st := model.OutputState{
		Name:                name,
		Relay:               model.RelayState(d.Relay),
		LastChanged:         d.LastChanged,
		OnSecondsToday:       d.OnSecondsToday,
		Day:                  d.Day,
		CarriedShortfallHrs:  d.CarriedShortfallHrs,
		LastMeterReading:     d.LastMeterReading,
		LastMeterAt:          d.LastMeterAt,
		LastDeviceContact:     d.LastDeviceContact,
	}
	if st.Relay == "" {
		st.Relay = model.RelayUnknown
	}
	if d.Override != nil {
		st.Override = &model.AppOverride{Target: model.Decision(d.Override.Target), ExpiresAt: d.Override.ExpiresAt}
	}
	for _, h := range d.History {
		st.History = append(st.History, model.DayHistory{Date: h.Date, OnSeconds: h.OnSeconds, EnergyWh: h.EnergyWh, Cost: h.Cost})
	}
	return st
}
