package queue

import "github.com/gyaneshwarpardhi/osintflow/internal/metrics"

// Level is a coarse reading of a lane's fill ratio.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelCritical Level = "critical"
)

type transition struct {
	lane     Lane
	from, to Level
	hooks    []func(Lane, Level, Level)
}

// Pressure returns the fill ratio of lane in [0,1].
func (q *Queue) Pressure(lane Lane) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pressureLocked(lane)
}

// Level returns the pressure level of lane.
func (q *Queue) Level(lane Lane) Level {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.levels[lane]
}

// OnLevelChange registers fn to be called whenever a lane moves between levels.
// Callbacks run outside the queue lock, in registration order.
func (q *Queue) OnLevelChange(fn func(lane Lane, from, to Level)) {
	q.mu.Lock()
	q.levelHooks = append(q.levelHooks, fn)
	q.mu.Unlock()
}

func (q *Queue) pressureLocked(lane Lane) float64 {
	return float64(q.lanes[lane].Len()) / float64(q.cfg.Capacity)
}

func (q *Queue) levelFor(p float64) Level {
	switch {
	case p >= q.cfg.CriticalAt:
		return LevelCritical
	case p >= q.cfg.ElevatedAt:
		return LevelElevated
	}
	return LevelNormal
}

// levelTransitionLocked recomputes lane's level and returns the change to announce,
// or nil if the level is unchanged.
func (q *Queue) levelTransitionLocked(lane Lane) *transition {
	p := q.pressureLocked(lane)
	metrics.QueuePressure.WithLabelValues(lane.String()).Set(p)
	to := q.levelFor(p)
	from := q.levels[lane]
	if to == from {
		return nil
	}
	q.levels[lane] = to
	return &transition{lane: lane, from: from, to: to, hooks: q.levelHooks}
}

func (q *Queue) fireLevel(t *transition) {
	if t == nil {
		return
	}
	for _, h := range t.hooks {
		h(t.lane, t.from, t.to)
	}
}
