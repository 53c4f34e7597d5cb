package worker

import (
	"os"
	"os/signal"
)

// waker is the Go-native analogue of the classic self-pipe trick. A real
// signal handler cannot safely touch user memory, so Go's os/signal
// package already performs that trick inside the runtime: a dedicated
// runtime goroutine forwards each delivered signal onto a channel.
// Wrapping that channel here centralizes the Notify/Stop bookkeeping,
// modeled on psi.go's allSig channel.
type waker struct {
	ch chan os.Signal
}

func newWaker(buf int) *waker {
	return &waker{ch: make(chan os.Signal, buf)}
}

func (w *waker) notify(sigs ...os.Signal) {
	signal.Notify(w.ch, sigs...)
}

func (w *waker) stop() {
	signal.Stop(w.ch)
}

func (w *waker) C() <-chan os.Signal { return w.ch }
