package checkout

// Notifier is the single user-visible notification channel for session
// progress. The presentation layer decides how messages render (toast,
// terminal line, haptic); the orchestrator only decides when they fire.
type Notifier interface {
	Info(msg string)
	Success(msg string)
	Error(msg string)
}

type NoopNotifier struct{}

func (NoopNotifier) Info(string)    {}
func (NoopNotifier) Success(string) {}
func (NoopNotifier) Error(string)   {}
