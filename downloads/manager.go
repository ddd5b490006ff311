package downloads

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Manager runs installs, tracks their progress and logs it at coarse steps.
type Manager struct {
	mu         sync.RWMutex
	progress   map[string]*Progress
	lastLogged map[string]int
}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{
		progress:   make(map[string]*Progress),
		lastLogged: make(map[string]int),
	}
}

// Install runs fn, recording its progress under id.
func (m *Manager) Install(ctx context.Context, id string, name string, fn func(context.Context, ProgressCallback) error) error {
	m.mu.Lock()
	m.progress[id] = &Progress{ID: id, Name: name, Status: StatusPending}
	m.lastLogged[id] = -1
	m.mu.Unlock()

	progressCb := func(p Progress) {
		p.ID = id
		p.Name = name
		m.update(&p)
	}

	progressCb(Progress{Status: StatusDownloading, Message: "Starting download..."})
	err := fn(ctx, progressCb)
	if err != nil {
		if ctx.Err() == context.Canceled {
			progressCb(Progress{Status: StatusCancelled, Message: "Download cancelled"})
		} else {
			progressCb(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
		}
		return fmt.Errorf("%s: %w", id, err)
	}

	progressCb(Progress{Status: StatusComplete, Message: "Installation complete", Percent: 100})
	return nil
}

// GetProgress returns the progress of every install, ordered by id.
func (m *Manager) GetProgress() []Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Progress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// update stores p and logs status changes and every tenth percent.
func (m *Manager) update(p *Progress) {
	m.mu.Lock()
	prev := m.progress[p.ID]
	m.progress[p.ID] = p
	step := int(p.Percent) / 10
	logIt := prev == nil || prev.Status != p.Status || (p.Status == StatusDownloading && step > m.lastLogged[p.ID])
	if p.Status == StatusDownloading && step > m.lastLogged[p.ID] {
		m.lastLogged[p.ID] = step
	}
	m.mu.Unlock()

	if !logIt {
		return
	}
	switch {
	case p.Error != "":
		log.Printf("[%s] %s: %s", p.ID, p.Message, p.Error)
	case p.Speed > 0:
		log.Printf("[%s] %s (%.0f%%, %s)", p.ID, p.Message, p.Percent, FormatSpeed(p.Speed))
	default:
		log.Printf("[%s] %s", p.ID, p.Message)
	}
}

// SpeedTracker tracks download speed over time.
type SpeedTracker struct {
	mu          sync.Mutex
	lastBytes   int64
	lastTime    time.Time
	speedWindow []int64
}

// NewSpeedTracker creates a new SpeedTracker.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{
		lastTime:    time.Now(),
		speedWindow: make([]int64, 0, 10),
	}
}

// Update records the running byte count and returns the windowed speed.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.1 {
		return s.averageSpeed()
	}

	speed := int64(float64(totalBytes-s.lastBytes) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	s.speedWindow = append(s.speedWindow, speed)
	if len(s.speedWindow) > 10 {
		s.speedWindow = s.speedWindow[1:]
	}
	return s.averageSpeed()
}

func (s *SpeedTracker) averageSpeed() int64 {
	if len(s.speedWindow) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.speedWindow {
		sum += v
	}
	return sum / int64(len(s.speedWindow))
}
