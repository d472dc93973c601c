// Package memca is an in-process implementation of the ca.Builder and
// ca.Client contracts.
//
// Records live in a single flat namespace. Monitors are name-based and fire
// synchronously on every value change, whether or not the record existed when
// the monitor was created; this mirrors a channel-access monitor on a PV that
// connects later. memca backs the test suite and the offline serve/generate
// paths.
package memca

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/virtac-project/virtac/vac/ca"
)

type recordKind int

const (
	kindAIn recordKind = iota
	kindAOut
	kindWaveformIn
	kindWaveformOut
	kindMBBIn
)

// Server holds the record registry and the monitor table.
type Server struct {
	mu      sync.RWMutex
	records map[string]*record
	subs    map[string]map[int]ca.MonitorFunc
	nextSub int
}

// New returns an empty in-memory CA server.
func New() *Server {
	return &Server{
		records: make(map[string]*record),
		subs:    make(map[string]map[int]ca.MonitorFunc),
	}
}

type record struct {
	srv  *Server
	name string
	kind recordKind

	mu      sync.Mutex
	value   []float64
	onWrite ca.WriteFunc
	opts    ca.RecordOptions
}

func (s *Server) newRecord(name string, kind recordKind, onWrite ca.WriteFunc, opts ca.RecordOptions) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[name]; ok {
		return nil, fmt.Errorf("memca: record %q already exists", name)
	}
	r := &record{srv: s, name: name, kind: kind, onWrite: onWrite, opts: opts}
	switch kind {
	case kindWaveformIn, kindWaveformOut:
		r.value = append([]float64(nil), opts.InitialWave...)
	default:
		r.value = []float64{opts.InitialValue}
	}
	s.records[name] = r
	logrus.Debugf("memca: created record %s", name)
	return r, nil
}

// AIn implements ca.Builder.
func (s *Server) AIn(name string, opts ca.RecordOptions) (ca.Record, error) {
	return s.newRecord(name, kindAIn, nil, opts)
}

// AOut implements ca.Builder.
func (s *Server) AOut(name string, onWrite ca.WriteFunc, opts ca.RecordOptions) (ca.Record, error) {
	return s.newRecord(name, kindAOut, onWrite, opts)
}

// WaveformIn implements ca.Builder.
func (s *Server) WaveformIn(name string, opts ca.RecordOptions) (ca.Record, error) {
	return s.newRecord(name, kindWaveformIn, nil, opts)
}

// WaveformOut implements ca.Builder.
func (s *Server) WaveformOut(name string, onWrite ca.WriteFunc, opts ca.RecordOptions) (ca.Record, error) {
	return s.newRecord(name, kindWaveformOut, onWrite, opts)
}

// MBBIn implements ca.Builder.
func (s *Server) MBBIn(name string, opts ca.RecordOptions) (ca.Record, error) {
	return s.newRecord(name, kindMBBIn, nil, opts)
}

func (s *Server) lookup(name string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	if !ok {
		return nil, ca.ErrNotFound{Name: name}
	}
	return r, nil
}

// notify fans a new value out to every monitor on name. Callbacks run outside
// any lock so they may freely touch other records.
func (s *Server) notify(name string, value []float64) {
	s.mu.RLock()
	fns := make([]ca.MonitorFunc, 0, len(s.subs[name]))
	for _, fn := range s.subs[name] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(value)
	}
}

// Get implements ca.Client.
func (s *Server) Get(name string) (float64, error) {
	r, err := s.lookup(name)
	if err != nil {
		return 0, err
	}
	return r.Get(), nil
}

// GetWave implements ca.Client.
func (s *Server) GetWave(name string) ([]float64, error) {
	r, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return r.GetWave(), nil
}

// GetString implements ca.Client. Enum records return their state label.
func (s *Server) GetString(name string) (string, error) {
	r, err := s.lookup(name)
	if err != nil {
		return "", err
	}
	v := r.Get()
	if r.kind == kindMBBIn {
		for _, st := range r.opts.States {
			if st.Value == int(v) {
				return st.Label, nil
			}
		}
		return "", fmt.Errorf("memca: record %q has no state for value %v", name, v)
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

// GetMeta implements ca.Client. Control limits come from the drive limits and
// display limits from the display range, defaulting to zero when unset.
func (s *Server) GetMeta(name string) (ca.Meta, error) {
	r, err := s.lookup(name)
	if err != nil {
		return ca.Meta{}, err
	}
	var m ca.Meta
	if r.opts.DriveHigh != nil {
		m.UpperCtrlLimit = *r.opts.DriveHigh
	}
	if r.opts.DriveLow != nil {
		m.LowerCtrlLimit = *r.opts.DriveLow
	}
	if r.opts.Upper != nil {
		m.UpperDispLimit = *r.opts.Upper
	}
	if r.opts.Lower != nil {
		m.LowerDispLimit = *r.opts.Lower
	}
	if r.opts.Precision != nil {
		m.Precision = *r.opts.Precision
	}
	return m, nil
}

// Put implements ca.Client: a client-side write to an output record. The
// value is clamped to the drive limits, stored, fanned out to monitors and
// then handed to the record's write callback.
func (s *Server) Put(name string, value float64) error {
	r, err := s.lookup(name)
	if err != nil {
		return err
	}
	if r.kind != kindAOut && r.kind != kindWaveformOut {
		return fmt.Errorf("memca: record %q is not writable", name)
	}
	r.mu.Lock()
	if r.opts.DriveHigh != nil && value > *r.opts.DriveHigh {
		value = *r.opts.DriveHigh
	}
	if r.opts.DriveLow != nil && value < *r.opts.DriveLow {
		value = *r.opts.DriveLow
	}
	changed := len(r.value) != 1 || r.value[0] != value
	r.value = []float64{value}
	onWrite := r.onWrite
	alwaysUpdate := r.opts.AlwaysUpdate
	r.mu.Unlock()

	s.notify(name, []float64{value})
	if onWrite != nil && (changed || alwaysUpdate) {
		onWrite([]float64{value})
	}
	return nil
}

type subscription struct {
	srv  *Server
	name string
	id   int
}

func (sub *subscription) Close() {
	sub.srv.mu.Lock()
	defer sub.srv.mu.Unlock()
	delete(sub.srv.subs[sub.name], sub.id)
}

// Monitor implements ca.Client. Monitoring a name with no record behind it is
// allowed; callbacks start once something feeds values to that name.
func (s *Server) Monitor(name string, fn ca.MonitorFunc) (ca.Subscription, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[name] == nil {
		s.subs[name] = make(map[int]ca.MonitorFunc)
	}
	s.subs[name][id] = fn
	r := s.records[name]
	s.mu.Unlock()

	// Initial update, as a CA monitor delivers on connection.
	if r != nil {
		fn(r.GetWave())
	}
	return &subscription{srv: s, name: name, id: id}, nil
}

func (r *record) Name() string { return r.name }

func (r *record) Get() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.value) == 0 {
		return 0
	}
	return r.value[0]
}

func (r *record) GetWave() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.value...)
}

// Set stores a value from the IOC side and notifies monitors; the write
// callback is not run on this path.
func (r *record) Set(value float64) {
	r.mu.Lock()
	r.value = []float64{value}
	r.mu.Unlock()
	r.srv.notify(r.name, []float64{value})
}

func (r *record) SetWave(value []float64) {
	v := append([]float64(nil), value...)
	r.mu.Lock()
	r.value = v
	r.mu.Unlock()
	r.srv.notify(r.name, v)
}

// Process re-runs the write callback with the stored value, as a write to the
// PROC field would.
func (r *record) Process() error {
	r.mu.Lock()
	onWrite := r.onWrite
	v := append([]float64(nil), r.value...)
	r.mu.Unlock()
	if onWrite == nil {
		return fmt.Errorf("memca: record %q has no write callback to process", r.name)
	}
	onWrite(v)
	return nil
}
