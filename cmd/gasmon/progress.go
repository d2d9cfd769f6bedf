package main

import (
	"fmt"
	"sync"
	"time"
)

const clearLineSequence = "\r\033[K"

// countdownPrinter shows a single updating line with the remaining scan
// time. Single-use: Start once, Stop once.
type countdownPrinter struct {
	prefix   string
	duration time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func newCountdownPrinter(prefix string, duration time.Duration) *countdownPrinter {
	return &countdownPrinter{
		prefix:   prefix,
		duration: duration,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *countdownPrinter) Start() {
	start := time.Now()
	fmt.Printf("\r%s...   ", p.prefix)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				remaining := p.duration - time.Since(start)
				if remaining < 0 {
					remaining = 0
				}
				// Round to the nearest second for a steady countdown.
				fmt.Printf("\r%s (%ds)   ", p.prefix, int(remaining.Seconds()+0.5))
			}
		}
	}()
}

// Stop clears the progress line. Safe to call multiple times.
func (p *countdownPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		<-p.done
		fmt.Print(clearLineSequence)
	})
}
