package rates

import "time"

// Load average periods, as reported by the kernel on systems that have one.
var loadPeriods = [3]time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// LoadAvg approximates the 1, 5 and 15 minute load averages.
type LoadAvg struct {
	One     float64
	Five    float64
	Fifteen float64
}

// loadTracker is an exponential moving average of busy cores, seeded by the
// first observed value.
type loadTracker struct {
	seeded bool
	avg    [3]float64
}

func (l *loadTracker) observe(value float64, dt time.Duration) LoadAvg {
	if !l.seeded {
		l.seeded = true
		for i := range l.avg {
			l.avg[i] = value
		}
	} else {
		for i, period := range loadPeriods {
			l.avg[i] += alpha(dt, period) * (value - l.avg[i])
		}
	}
	return LoadAvg{One: l.avg[0], Five: l.avg[1], Fifteen: l.avg[2]}
}
