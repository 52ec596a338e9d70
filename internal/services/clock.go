package services

import "time"

// Clock abstracts time so schedulers and backoff logic are testable without
// real time passing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func NewClock() Clock { return realClock{} }
