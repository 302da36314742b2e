package segcache

// Fields is a minimal structured field map for logs.
type Fields map[string]any

// Logger is a leveled logger. Adapters for zap, logrus and slog live under log/.
// A nil Logger in options disables logging.
type Logger interface {
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
}

type NopLogger struct{}

func (NopLogger) Debug(string, Fields) {}
func (NopLogger) Info(string, Fields)  {}
func (NopLogger) Warn(string, Fields)  {}
func (NopLogger) Error(string, Fields) {}

// Hooks lightweight callbacks for segmentation events.
// Implementations MUST be cheap and non-blocking; they run inline with reads
// and writes.
type Hooks interface {
	// A value larger than the size limit was written as parts.
	SegmentsWritten(key string, parts int, size int)

	// A master record was read but one of its parts was gone; the read
	// resolved to a miss.
	PartMissing(key, partKey string)

	// A master record carried PartialValue but its payload was not a
	// "<hash>:<count>" descriptor.
	DescriptorCorrupt(key string)

	// Parts were written but the conditional master write (add/replace/cas)
	// did not go through. The parts are left to expire.
	MasterWriteRejected(key, op string, parts int)

	// A typed entry was deleted by the cache on read.
	// reason ∈ {"flags_mismatch", "value_decode"}
	SelfHeal(key, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SegmentsWritten(string, int, int)        {}
func (NopHooks) PartMissing(string, string)              {}
func (NopHooks) DescriptorCorrupt(string)                {}
func (NopHooks) MasterWriteRejected(string, string, int) {}
func (NopHooks) SelfHeal(string, string)                 {}
