// Package alerts is the boundary to the UI notification collaborator.
// This system never renders; it only emits notices into a sink.
package alerts

import "github.com/charmbracelet/log"

// Severity grades a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is one user-facing notification.
type Notice struct {
	Severity    Severity
	Title       string
	Description string
}

// Sink accepts notices for display elsewhere.
type Sink interface {
	Notify(Notice)
}

// LogSink writes notices to a structured logger. It is the default sink
// for headless use.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(n Notice) {
	if s.Logger == nil {
		return
	}
	switch n.Severity {
	case SeverityError:
		s.Logger.Error(n.Title, "detail", n.Description)
	case SeverityWarning:
		s.Logger.Warn(n.Title, "detail", n.Description)
	default:
		s.Logger.Info(n.Title, "detail", n.Description)
	}
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(Notice) {}
