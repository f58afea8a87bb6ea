package metrics

// Reporter consumes metric records and forwards them to a backend.
type Reporter interface {
	Report(r Record) error
}

// _Reporters is the global list of reporters all metrics are sent to.
var _Reporters []Reporter
