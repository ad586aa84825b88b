// Package pattern detects periodic structure in a user's memory access
// history. The hourly access series is autocorrelated via FFT and probed at
// the daily (24h), weekly (168h) and monthly (720h) lags; a normalized
// autocorrelation above the configured confidence becomes a pattern slot
// with its peak hours. Patterns are recomputed wholesale and replace the
// previous record, never mutated in place.
package pattern

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Candidate period lags, in hours.
const (
	periodDaily   = 24
	periodWeekly  = 168
	periodMonthly = 720
)

// maxPeaks bounds how many peak offsets a slot records.
const maxPeaks = 3

// Detector recomputes temporal patterns.
type Detector struct {
	store *store.Store
	opts  config.Options
	now   func() time.Time
}

// New creates a detector.
func New(st *store.Store, opts config.Options) *Detector {
	return &Detector{store: st, opts: opts, now: time.Now}
}

// Compute rebuilds the user's temporal pattern from the access log and
// stores it. Users with less than the initial window of history get an
// empty pattern (flags off, no slots).
func (d *Detector) Compute(userID string) (*types.TemporalPattern, error) {
	timer := logging.StartTimer(logging.CategoryPattern, "Compute")
	defer timer.Stop()

	now := d.now()
	first, err := d.store.FirstAccess(userID)
	if err != nil {
		return nil, err
	}

	p := &types.TemporalPattern{UserID: userID, ComputedAt: now}
	if first.IsZero() {
		return p, d.store.PutPattern(p)
	}

	historyDays := int(now.Sub(first).Hours() / 24)
	p.Initial = historyDays >= d.opts.PatternWindowInitialDays
	p.Stable = historyDays >= d.opts.PatternWindowStableDays
	if !p.Initial {
		logging.Pattern("user=%s has %dd of history, below the initial window", userID, historyDays)
		return p, d.store.PutPattern(p)
	}

	// Analyze up to the stable window of most recent history.
	from := now.Add(-time.Duration(d.opts.PatternWindowStableDays) * 24 * time.Hour)
	if first.After(from) {
		from = first
	}
	series, err := d.store.HourlyAccessSeries(userID, from, now)
	if err != nil {
		return nil, err
	}

	acf := Autocorrelate(series)
	baseHour := from.UTC().Truncate(time.Hour).Unix() / 3600
	p.Daily = d.slot(series, acf, periodDaily, baseHour)
	p.Weekly = d.slot(series, acf, periodWeekly, baseHour)
	p.Monthly = d.slot(series, acf, periodMonthly, baseHour)

	logging.Pattern("user=%s pattern: daily=%v weekly=%v monthly=%v (history=%dd)",
		userID, p.Daily != nil, p.Weekly != nil, p.Monthly != nil, historyDays)
	return p, d.store.PutPattern(p)
}

// slot builds a pattern slot for one candidate period, nil when the series
// is too short or the confidence is below the floor. The period must fit at
// least twice into the series for the lag to be meaningful.
func (d *Detector) slot(series, acf []float64, period int, baseHour int64) *types.PatternSlot {
	if len(series) < 2*period || period >= len(acf) || acf[0] == 0 {
		return nil
	}
	conf := acf[period] / acf[0]
	if conf < d.opts.PatternMinConfidence {
		return nil
	}
	return &types.PatternSlot{
		PeriodHours: period,
		Confidence:  conf,
		Peaks:       foldPeaks(series, period, maxPeaks, baseHour),
	}
}

// Autocorrelate computes the raw autocorrelation of the series by FFT:
// zero-pad to 2n, take the power spectrum, transform back. acf[0] is the
// series energy; acf[lag]/acf[0] is the normalized autocorrelation.
func Autocorrelate(series []float64) []float64 {
	n := len(series)
	if n == 0 {
		return nil
	}
	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(n)

	padded := make([]float64, 2*n)
	for i, v := range series {
		padded[i] = v - mean
	}

	fft := fourier.NewFFT(2 * n)
	coeff := fft.Coefficients(nil, padded)
	for i, c := range coeff {
		re := real(c)
		im := imag(c)
		coeff[i] = complex(re*re+im*im, 0)
	}
	seq := fft.Sequence(nil, coeff)

	// gonum's transform pair scales by the sequence length.
	acf := make([]float64, n)
	scale := float64(2 * n)
	for i := range acf {
		acf[i] = seq[i] / scale
	}
	return acf
}

// foldPeaks folds the series modulo the period and returns the offsets with
// the highest mean activity. Offsets are phased against the epoch so a
// daily peak offset is a UTC hour of day regardless of where the analysis
// window starts.
func foldPeaks(series []float64, period, k int, baseHour int64) []int {
	sums := make([]float64, period)
	counts := make([]int, period)
	for i, v := range series {
		off := int((baseHour + int64(i)) % int64(period))
		sums[off] += v
		counts[off]++
	}
	type offset struct {
		hour int
		mean float64
	}
	offsets := make([]offset, 0, period)
	for h := 0; h < period; h++ {
		if counts[h] == 0 {
			continue
		}
		m := sums[h] / float64(counts[h])
		if m > 0 {
			offsets = append(offsets, offset{hour: h, mean: m})
		}
	}
	sort.Slice(offsets, func(i, j int) bool {
		if offsets[i].mean != offsets[j].mean {
			return offsets[i].mean > offsets[j].mean
		}
		return offsets[i].hour < offsets[j].hour
	})
	if len(offsets) > k {
		offsets = offsets[:k]
	}
	peaks := make([]int, len(offsets))
	for i, o := range offsets {
		peaks[i] = o.hour
	}
	sort.Ints(peaks)
	return peaks
}
