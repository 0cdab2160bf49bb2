package viz

// Options controls timeline rendering.
type Options struct {
	// Width is the total line width; 0 uses 80.
	Width int
	// Color styles bars with their palette colors via lipgloss.
	Color bool
	// Selected, when set, draws that bar with its highlight color and
	// marks it in the bar list.
	Selected *Selection
	// NoLegend omits the per-bar listing beneath the lanes.
	NoLegend bool
}

// Selection names one bar of a timeline.
type Selection struct {
	GoID uint32
	Bar  int
}

// TraceRow describes one trace for the recent-traces table.
// Decoupled from storage types so viz stays a pure rendering package.
type TraceRow struct {
	ID       string
	Source   string
	Service  string
	Endpoint string
	Latency  string
	Requests int
	Failed   bool
	Err      string
}

// BufferStats describes buffer fill levels for the stats overview.
type BufferStats struct {
	SpanCount        int
	SpanCapacity     int
	TraceCount       int
	SnapshotCount    int
	SnapshotCapacity int
	Archive          bool
}

// ServiceStats describes one service for the service summary bar chart.
type ServiceStats struct {
	Name       string
	Requests   int
	ErrorCount int
}

// ActivityError describes one recent error for the activity table.
type ActivityError struct {
	TraceID   string
	Service   string
	SpanName  string
	ErrorMsg  string
	Timestamp uint64
}
