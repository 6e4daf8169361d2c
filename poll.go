package emw3080

import (
	"log/slog"
	"time"
)

// pollOutcome classifies a single transport attempt.
type pollOutcome uint8

const (
	// pollDone stops polling and returns the attempt's error.
	pollDone pollOutcome = iota
	// pollAgain means nothing was available yet.
	pollAgain
	// pollFailed is a transient failure. The attempt's error is returned
	// once the retry counter is exhausted.
	pollFailed
)

// pollAttempt performs exactly one transport call on s with the table
// locked. last is true when no further attempt will follow.
type pollAttempt func(s *socketRecord, last bool) (pollOutcome, error)

// waitBudget tracks the time a blocking operation may still spend sleeping.
type waitBudget struct {
	remaining time.Duration
	interval  time.Duration
	forever   bool
	once      bool
}

// newBudget returns the budget for a socket operation. Non-blocking sockets
// get a single attempt and a zero timeout waits forever.
func newBudget(nonblocking bool, timeout, interval time.Duration) waitBudget {
	switch {
	case nonblocking:
		return waitBudget{once: true}
	case timeout <= 0:
		return waitBudget{forever: true, interval: interval}
	}
	return waitBudget{remaining: timeout, interval: interval}
}

func (b *waitBudget) hasNext() bool {
	return !b.once && (b.forever || b.remaining > 0)
}

// next consumes the wait before the following attempt.
func (b *waitBudget) next() (time.Duration, bool) {
	if !b.hasNext() {
		return 0, false
	}
	if b.forever {
		return b.interval, true
	}
	w := min(b.interval, b.remaining)
	b.remaining -= w
	return w, true
}

// poll runs attempt against sock until it reports done, retries are
// exhausted or the budget runs out. The table lock is held only during the
// attempt itself. Running out of budget without a result is ErrWouldBlock.
func (d *Device) poll(sock int, budget waitBudget, retries int, attempt pollAttempt) error {
	iter := 0
	for {
		outcome, err := d.pollOnce(sock, retries == 0 || !budget.hasNext(), attempt)
		iter++
		switch outcome {
		case pollDone:
			if iter > 1 {
				d.trace("poll:done", sockattr(sock), slog.Int("iter", iter), errattr(err))
			}
			return err
		case pollFailed:
			if retries <= 0 {
				d.debug("poll:retries-exhausted", sockattr(sock), errattr(err))
				return err
			}
			retries--
		}
		wait, ok := budget.next()
		if !ok {
			return ErrWouldBlock
		}
		d.cfg.Sleep(wait)
	}
}

func (d *Device) pollOnce(sock int, last bool, attempt pollAttempt) (pollOutcome, error) {
	s, err := d.lockSocket(sock)
	if err != nil {
		return pollDone, err
	}
	defer d.release()
	if !s.has(flagCreated) {
		return pollDone, ErrBadSocket
	}
	return attempt(s, last)
}

// lockSocket validates sock and locks the table. The caller must release
// the table when err is nil.
func (d *Device) lockSocket(sock int) (*socketRecord, error) {
	if sock < 0 {
		return nil, ErrBadSocket
	}
	if err := d.acquire(); err != nil {
		return nil, err
	}
	if sock >= len(d.sockets) {
		d.release()
		return nil, ErrBadSocket
	}
	return &d.sockets[sock], nil
}
