package service

import "time"

// Clock returns wall-clock time. Only seconds resolution is used.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant. Set moves it.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time { return c.T }

func (c *FixedClock) Set(t time.Time) { c.T = t }

func (c *FixedClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
