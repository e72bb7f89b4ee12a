package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chaos-io/sinfondo/rembg"
)

const probeTimeout = 10 * time.Second

// ModelStatus is the last known state of the background-removal backend.
type ModelStatus struct {
	Backend   string    `json:"backend"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// HealthMonitor probes the remover on a cron schedule and caches the result.
type HealthMonitor struct {
	backend string
	prober  rembg.Prober
	cron    *cron.Cron
	log     *zap.Logger

	mu     sync.RWMutex
	status ModelStatus
}

func NewHealthMonitor(backend string, remover rembg.Remover, log *zap.Logger) *HealthMonitor {
	m := &HealthMonitor{
		backend: backend,
		cron:    cron.New(),
		log:     log,
		status:  ModelStatus{Backend: backend},
	}
	if p, ok := remover.(rembg.Prober); ok {
		m.prober = p
	}
	return m
}

// Start runs a first probe synchronously, then schedules the rest.
func (m *HealthMonitor) Start(schedule string) error {
	m.Check(context.Background())

	if _, err := m.cron.AddFunc(schedule, func() { m.Check(context.Background()) }); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	return nil
}

// Stop waits for a running probe to finish.
func (m *HealthMonitor) Stop() {
	<-m.cron.Stop().Done()
}

func (m *HealthMonitor) Check(ctx context.Context) {
	st := ModelStatus{Backend: m.backend, Healthy: true, CheckedAt: time.Now().UTC()}

	if m.prober != nil {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := m.prober.Ping(ctx); err != nil {
			st.Healthy, st.Error = false, err.Error()
		}
	}

	m.mu.Lock()
	prev := m.status
	m.status = st
	m.mu.Unlock()

	switch {
	case !st.Healthy && (prev.Healthy || prev.CheckedAt.IsZero()):
		m.log.Warn("rembg backend unhealthy", zap.String("backend", m.backend), zap.String("error", st.Error))
	case st.Healthy && !prev.Healthy && !prev.CheckedAt.IsZero():
		m.log.Info("rembg backend recovered", zap.String("backend", m.backend))
	}
}

func (m *HealthMonitor) Status() ModelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
