package pattern

import (
	"time"

	"mnemo/internal/hotcache"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Prefetcher warms the hot cache ahead of predicted access windows: when
// the current time falls inside (or within the lead of) a detected daily
// peak, the memories historically read in that hour are loaded hot before
// they are asked for.
type Prefetcher struct {
	store *store.Store
	hot   *hotcache.Cache

	// Lead is how far before a peak hour prefetch fires.
	Lead time.Duration

	// PerPeak bounds how many memories one peak warms.
	PerPeak int

	now func() time.Time
}

// NewPrefetcher creates a prefetcher.
func NewPrefetcher(st *store.Store, hot *hotcache.Cache) *Prefetcher {
	return &Prefetcher{store: st, hot: hot, Lead: 30 * time.Minute, PerPeak: 10, now: time.Now}
}

// Prediction names one prefetched (or predicted) memory and why.
type Prediction struct {
	MemoryID    string  `json:"memory_id"`
	PeakHour    int     `json:"peak_hour"`
	PeriodHours int     `json:"period_hours"`
	Confidence  float64 `json:"confidence"`
	Warmed      bool    `json:"warmed"`
}

// Run checks the user's pattern against the clock and warms matching
// memories. Patterns below the initial window produce nothing.
func (p *Prefetcher) Run(userID string) ([]Prediction, error) {
	pat, err := p.store.GetPattern(userID)
	if err != nil || pat == nil || !pat.Initial || pat.Daily == nil {
		return nil, err
	}

	now := p.now().UTC()
	hour := upcomingPeak(pat.Daily.Peaks, now, p.Lead)
	if hour < 0 {
		return nil, nil
	}
	return p.warm(userID, pat.Daily, hour)
}

// Predict lists what Run would warm for the next peak without requiring the
// clock to be near it, for the predictions surface.
func (p *Prefetcher) Predict(userID string) ([]Prediction, error) {
	pat, err := p.store.GetPattern(userID)
	if err != nil || pat == nil || !pat.Initial || pat.Daily == nil {
		return nil, err
	}
	if len(pat.Daily.Peaks) == 0 {
		return nil, nil
	}
	hour := nextPeak(pat.Daily.Peaks, p.now().UTC())
	ids, err := p.store.TopMemoriesAtHour(userID, hour, p.PerPeak)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, 0, len(ids))
	for _, id := range ids {
		out = append(out, Prediction{
			MemoryID:    id,
			PeakHour:    hour,
			PeriodHours: pat.Daily.PeriodHours,
			Confidence:  pat.Daily.Confidence,
		})
	}
	return out, nil
}

func (p *Prefetcher) warm(userID string, slot *types.PatternSlot, hour int) ([]Prediction, error) {
	ids, err := p.store.TopMemoriesAtHour(userID, hour, p.PerPeak)
	if err != nil {
		return nil, err
	}
	mems, err := p.store.MemoriesByIDs(ids)
	if err != nil {
		return nil, err
	}

	out := make([]Prediction, 0, len(mems))
	for _, m := range mems {
		pred := Prediction{
			MemoryID:    m.ID,
			PeakHour:    hour,
			PeriodHours: slot.PeriodHours,
			Confidence:  slot.Confidence,
		}
		// Warming never changes the durable tier; the cache entry just
		// makes the predicted read fast.
		if _, err := p.hot.Put(m); err != nil {
			logging.Get(logging.CategoryPattern).Warn("prefetch %s: %v", m.ID, err)
		} else {
			pred.Warmed = true
		}
		out = append(out, pred)
	}
	if len(out) > 0 {
		logging.Pattern("user=%s prefetched %d memories for peak hour %d", userID, len(out), hour)
	}
	return out, nil
}

// upcomingPeak returns the peak hour the clock is inside or leading into,
// or -1.
func upcomingPeak(peaks []int, now time.Time, lead time.Duration) int {
	for _, h := range peaks {
		peakStart := time.Date(now.Year(), now.Month(), now.Day(), h, 0, 0, 0, time.UTC)
		if peakStart.Before(now.Add(-time.Hour)) {
			peakStart = peakStart.AddDate(0, 0, 1)
		}
		if !now.Before(peakStart.Add(-lead)) && now.Before(peakStart.Add(time.Hour)) {
			return h
		}
	}
	return -1
}

// nextPeak returns the next peak hour at or after now.
func nextPeak(peaks []int, now time.Time) int {
	cur := now.Hour()
	best := peaks[0]
	for _, h := range peaks {
		if h >= cur {
			return h
		}
	}
	return best
}
