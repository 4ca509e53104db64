package voice

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// StatsSummary holds the counters of one guild. Connections count every
// connect attempt the manager made plus joins observed from outside it.
type StatsSummary struct {
	GuildID               string         `json:"guild_id"`
	TotalConnections      int            `json:"total_connections"`
	SuccessfulConnections int            `json:"successful_connections"`
	FailedConnections     int            `json:"failed_connections"`
	Disconnections        int            `json:"disconnections"`
	Reconnections         int            `json:"reconnections"`
	ErrorsByClass         map[string]int `json:"errors_by_class"`
	SuccessRate           float64        `json:"success_rate"`
	LastEventAt           *time.Time     `json:"last_event_at,omitempty"`
}

// GuildStats is the exported view of one guild
type GuildStats struct {
	Connection   GuildConnection   `json:"connection"`
	Summary      StatsSummary      `json:"summary"`
	RecentEvents []ConnectionEvent `json:"recent_events"`
}

// StatsExport is the document handed to a StatsSink
type StatsExport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Environment Environment  `json:"environment"`
	Guilds      []GuildStats `json:"guilds"`
}

// eventRing is a fixed-capacity event log that overwrites its oldest entry
type eventRing struct {
	buf   []ConnectionEvent
	next  int
	count int
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]ConnectionEvent, capacity)}
}

func (r *eventRing) push(e ConnectionEvent) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// last returns up to n of the newest events, oldest first
func (r *eventRing) last(n int) []ConnectionEvent {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]ConnectionEvent, 0, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

type guildStats struct {
	events *eventRing

	total          int
	successful     int
	failed         int
	disconnections int
	reconnections  int
	errorsByClass  map[ErrorClass]int
	lastEventAt    time.Time
}

// StatsAggregator keeps a bounded event log and counters for every guild
type StatsAggregator struct {
	mu       sync.Mutex
	guilds   map[string]*guildStats
	capacity int
}

// NewStatsAggregator creates an aggregator keeping bufferSize events per guild
func NewStatsAggregator(bufferSize int) *StatsAggregator {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &StatsAggregator{
		guilds:   make(map[string]*guildStats),
		capacity: bufferSize,
	}
}

func (s *StatsAggregator) get(guildID string) *guildStats {
	gs, ok := s.guilds[guildID]
	if !ok {
		gs = &guildStats{
			events:        newEventRing(s.capacity),
			errorsByClass: make(map[ErrorClass]int),
		}
		s.guilds[guildID] = gs
	}
	return gs
}

// RecordEvent appends an event to the guild's log
func (s *StatsAggregator) RecordEvent(event ConnectionEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gs := s.get(event.GuildID)
	gs.events.push(event)
	gs.lastEventAt = event.Timestamp

	switch event.Type {
	case EventDisconnection:
		gs.disconnections++
	case EventReconnection:
		gs.reconnections++
	case EventConnection, EventReconnectionFailed, EventHealthCheck, EventHealthCheckFailed, EventChannelChange:
	}
}

// RecordAttempt counts one connect attempt and its outcome
func (s *StatsAggregator) RecordAttempt(guildID string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs := s.get(guildID)
	gs.total++
	if success {
		gs.successful++
	} else {
		gs.failed++
	}
}

// RecordError counts a classified transport error
func (s *StatsAggregator) RecordError(guildID string, class ErrorClass) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(guildID).errorsByClass[class]++
}

// Events returns up to n of the guild's newest events, oldest first. n <= 0 returns all.
func (s *StatsAggregator) Events(guildID string, n int) []ConnectionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	return gs.events.last(n)
}

// Summary returns the counters of one guild
func (s *StatsAggregator) Summary(guildID string) StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.guilds[guildID]
	if !ok {
		return StatsSummary{GuildID: guildID, ErrorsByClass: map[string]int{}}
	}
	return gs.summary(guildID)
}

// SummaryAll returns the counters of every guild, ordered by guild ID
func (s *StatsAggregator) SummaryAll() []StatsSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StatsSummary, 0, len(s.guilds))
	for id, gs := range s.guilds {
		out = append(out, gs.summary(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}

func (gs *guildStats) summary(guildID string) StatsSummary {
	errs := make(map[string]int, len(gs.errorsByClass))
	for class, n := range gs.errorsByClass {
		errs[class.String()] = n
	}

	total := gs.total
	if total < 1 {
		total = 1
	}

	out := StatsSummary{
		GuildID:               guildID,
		TotalConnections:      gs.total,
		SuccessfulConnections: gs.successful,
		FailedConnections:     gs.failed,
		Disconnections:        gs.disconnections,
		Reconnections:         gs.reconnections,
		ErrorsByClass:         errs,
		SuccessRate:           float64(gs.successful) / float64(total),
	}
	if !gs.lastEventAt.IsZero() {
		t := gs.lastEventAt
		out.LastEventAt = &t
	}
	return out
}

// Build assembles an export from connection snapshots, attaching each guild's
// summary and its newest eventCount events.
func (s *StatsAggregator) Build(env Environment, connections []GuildConnection, eventCount int) *StatsExport {
	export := &StatsExport{
		GeneratedAt: time.Now(),
		Environment: env,
		Guilds:      make([]GuildStats, 0, len(connections)),
	}

	for _, conn := range connections {
		export.Guilds = append(export.Guilds, GuildStats{
			Connection:   conn,
			Summary:      s.Summary(conn.GuildID),
			RecentEvents: s.Events(conn.GuildID, eventCount),
		})
	}
	sort.Slice(export.Guilds, func(i, j int) bool {
		return export.Guilds[i].Connection.GuildID < export.Guilds[j].Connection.GuildID
	})
	return export
}

// JSONSink writes each export as one JSON document
type JSONSink struct {
	mu     sync.Mutex
	w      io.Writer
	indent bool
}

// NewJSONSink creates a sink writing to w
func NewJSONSink(w io.Writer, indent bool) *JSONSink {
	return &JSONSink{w: w, indent: indent}
}

// WriteStats implements StatsSink
func (j *JSONSink) WriteStats(ctx context.Context, export *StatsExport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if j.indent {
		data, err = json.MarshalIndent(export, "", "  ")
	} else {
		data, err = json.Marshal(export)
	}
	if err != nil {
		return fmt.Errorf("failed to encode stats export: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write stats export: %w", err)
	}
	return nil
}
