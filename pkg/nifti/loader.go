package nifti

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"fsldisplay/pkg/idle"
	"fsldisplay/pkg/overlay"
)

// LoadResult is handed back to the controlling goroutine for each file.
type LoadResult struct {
	Path  string
	Index int
	Image *overlay.Image
	Err   error
}

// LoadAsync reads paths using up to workers goroutines. Each result is
// scheduled on q, so done runs on whichever goroutine drains the queue and
// never concurrently with the caller's display state. The returned channel
// is closed once every result has been scheduled.
func LoadAsync(paths []string, workers int, q *idle.Queue, done func(LoadResult)) <-chan struct{} {
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int)
	finished := make(chan struct{})

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				img, err := Load(paths[i])
				if err != nil {
					log.WithFields(log.Fields{"path": paths[i]}).WithError(err).Warn("Could not load image")
				}
				res := LoadResult{Path: paths[i], Index: i, Image: img, Err: err}
				q.Schedule(paths[i], func() { done(res) })
			}
		}()
	}

	go func() {
		for i := range paths {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
		close(finished)
	}()

	return finished
}
