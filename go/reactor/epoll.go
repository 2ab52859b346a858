// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package reactor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrFdRegistered is returned by Add when the descriptor already has a
// handler.
var ErrFdRegistered = errors.New("fd is already registered")

// ErrLoopClosed is returned by registration calls after Close.
var ErrLoopClosed = errors.New("reactor loop is closed")

// Loop is an epoll-backed Reactor. All handlers run on the goroutine that
// called Run, so handlers for the same descriptor never overlap.
type Loop struct {
	logger *slog.Logger

	epfd   int
	wakefd int

	mu       sync.Mutex
	handlers map[int]Handler
	closed   bool
	running  bool
	runDone  chan struct{}

	releaseOnce sync.Once
}

// NewLoop creates an epoll instance. The caller must call Run to start
// dispatching and Close to release the descriptors.
func NewLoop(logger *slog.Logger) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	l := &Loop{
		logger:   logger,
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]Handler),
		runDone:  make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wakefd: %w", err)
	}
	return l, nil
}

// Add implements Reactor.
func (l *Loop) Add(fd int, interest Interest, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	if _, ok := l.handlers[fd]; ok {
		return fmt.Errorf("fd %d: %w", fd, ErrFdRegistered)
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.handlers[fd] = h
	return nil
}

// Update implements Reactor.
func (l *Loop) Update(fd int, interest Interest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLoopClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

// Remove implements Reactor.
func (l *Loop) Remove(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[fd]; !ok {
		return nil
	}
	delete(l.handlers, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		// The fd may already be closed, which implicitly removed it from
		// the epoll set.
		if !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
		}
	}
	return nil
}

// Run dispatches readiness events until ctx is cancelled or Close is called.
// It returns ctx.Err on cancellation and nil on Close.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.runDone)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-stop:
		}
	}()

	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakefd {
				l.drainWake()
				if err := ctx.Err(); err != nil {
					return err
				}
				if l.isClosed() {
					return nil
				}
				continue
			}
			l.mu.Lock()
			h := l.handlers[fd]
			l.mu.Unlock()
			if h == nil {
				// Removed between epoll_wait and dispatch.
				l.logger.Debug("dropping event for unregistered fd", "fd", fd)
				continue
			}
			h(eventFrom(events[i].Events))
		}
	}
}

// Close stops Run and releases the epoll and wake descriptors. Registered
// descriptors themselves are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	clear(l.handlers)
	running := l.running
	l.mu.Unlock()
	l.wake()
	if running {
		<-l.runDone
	}
	l.release()
	return nil
}

func (l *Loop) release() {
	l.releaseOnce.Do(func() {
		unix.Close(l.wakefd)
		unix.Close(l.epfd)
	})
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) wake() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(l.wakefd, buf[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	unix.Read(l.wakefd, buf[:])
}

func epollEvents(interest Interest) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func eventFrom(ev uint32) Event {
	return Event{
		Readable: ev&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
		Writable: ev&unix.EPOLLOUT != 0,
		Error:    ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
	}
}
