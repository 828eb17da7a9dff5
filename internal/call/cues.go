package call

import (
	"log/slog"
	"sync"
)

type NopCues struct{}

func (NopCues) Play(Cue) {}
func (NopCues) Stop(Cue) {}

// LogCues reports cue changes to a logger. The client binary uses it in
// place of an audio player.
type LogCues struct {
	Logger *slog.Logger

	mu      sync.Mutex
	playing map[Cue]bool
}

func (l *LogCues) Play(c Cue) {
	l.mu.Lock()
	if l.playing == nil {
		l.playing = make(map[Cue]bool)
	}
	already := l.playing[c]
	l.playing[c] = true
	l.mu.Unlock()
	if !already {
		l.logger().Info("ring cue started", "cue", c.String())
	}
}

func (l *LogCues) Stop(c Cue) {
	l.mu.Lock()
	was := l.playing[c]
	delete(l.playing, c)
	l.mu.Unlock()
	if was {
		l.logger().Info("ring cue stopped", "cue", c.String())
	}
}

func (l *LogCues) Playing(c Cue) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing[c]
}

func (l *LogCues) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
