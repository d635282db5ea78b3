package probe

import (
	"context"
	"time"

	"github.com/JakeFAU/scrolldepth/internal/depth"
)

// Scroller produces scroll-depth samples for a page; *Source implements it.
type Scroller interface {
	Run(ctx context.Context, url string, fn SampleFunc) error
}

// Result is the outcome of probing one URL.
type Result struct {
	URL        string
	Milestones []float64
	Reached    []depth.MilestoneReached
	Samples    int
	Err        error
}

// Track runs one tracking session against url. The tracker starts when the
// first sample arrives so navigation time does not count as attention. The
// run ends early once every milestone has fired. Observers are registered on
// the tracker before the first sample.
func Track(ctx context.Context, src Scroller, url string, milestones []float64, observers []depth.Observer, opts ...depth.Option) Result {
	res := Result{URL: url, Milestones: milestones}
	var tracker *depth.Tracker
	res.Err = src.Run(ctx, url, func(fraction float64, at time.Time) error {
		if tracker == nil {
			t, err := depth.New(milestones, append([]depth.Option{depth.WithStartTime(at)}, opts...)...)
			if err != nil {
				return err
			}
			for _, o := range observers {
				t.AddObserver(o)
			}
			tracker = t
			res.Milestones = t.Milestones()
		}
		res.Samples++
		res.Reached = append(res.Reached, tracker.Observe(fraction, at)...)
		if tracker.Done() {
			return ErrStopped
		}
		return nil
	})
	return res
}
