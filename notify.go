package tabsplit

import "github.com/rs/zerolog"

// Notifier schedules a user-visible local notification. Delivery is best
// effort; the engine never waits on it.
type Notifier interface {
	Schedule(title, body string, data map[string]string)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Schedule(string, string, map[string]string) {}

// LogNotifier writes notifications to a logger. The CLI uses it in place of
// a platform notification service.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Schedule(title, body string, data map[string]string) {
	ev := n.Log.Info().Str("title", title).Str("body", body)
	for k, v := range data {
		ev = ev.Str(k, v)
	}
	ev.Msg("notification")
}
