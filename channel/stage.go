package channel

// Stage is a channel's position in the request/response lifecycle.
//
// The happy path is WaitReadable → Read → Process → WaitWritable →
// Write, then either back to WaitReadable (keep-alive) or Closed.
// ReadTimeout and WriteTimeout are transient stages signalling a
// throttler-imposed delay; the channel carries the deadline at which it
// wants to be revisited. Closed is terminal.
type Stage int32

const (
	StageWaitReadable Stage = iota
	StageReadTimeout
	StageRead
	StageProcess
	StageWaitWritable
	StageWriteTimeout
	StageWrite
	StageClosed
)

// String returns the stage name for logging.
func (s Stage) String() string {
	switch s {
	case StageWaitReadable:
		return "WaitReadable"
	case StageReadTimeout:
		return "ReadTimeout"
	case StageRead:
		return "Read"
	case StageProcess:
		return "Process"
	case StageWaitWritable:
		return "WaitWritable"
	case StageWriteTimeout:
		return "WriteTimeout"
	case StageWrite:
		return "Write"
	case StageClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
