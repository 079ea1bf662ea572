package services

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"streakstr/internal/notification"
)

// Replier queues a direct reply to an identity.
type Replier interface {
	Reply(target, text string)
}

// NotificationDispatcher sends command replies and welcome messages through
// a small worker pool so event processing never waits on relays.
type NotificationDispatcher struct {
	notifier    notification.Notifier
	workers     int
	jobQueue    chan *DispatchJob
	stopChan    chan struct{}
	wg          sync.WaitGroup
	enqueueWait time.Duration
	sendTimeout time.Duration
	stopOnce    sync.Once
}

type DispatchJob struct {
	Target string
	Text   string
}

func NewNotificationDispatcher(notifier notification.Notifier, workers int) *NotificationDispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &NotificationDispatcher{
		notifier:    notifier,
		workers:     workers,
		jobQueue:    make(chan *DispatchJob, 100),
		stopChan:    make(chan struct{}),
		enqueueWait: 5 * time.Second,
		sendTimeout: 10 * time.Second,
	}
	d.startWorkers()
	return d
}

func (d *NotificationDispatcher) startWorkers() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *NotificationDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.jobQueue:
			d.processJob(job)
		case <-d.stopChan:
			// drain what is already queued
			for {
				select {
				case job := <-d.jobQueue:
					d.processJob(job)
				default:
					return
				}
			}
		}
	}
}

func (d *NotificationDispatcher) processJob(job *DispatchJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if _, err := d.notifier.SendDirect(ctx, job.Target, job.Text); err != nil {
		log.Printf("Reply to %s failed: %v", job.Target, err)
	}
}

func (d *NotificationDispatcher) Reply(target, text string) {
	job := &DispatchJob{Target: target, Text: text}
	select {
	case d.jobQueue <- job:
	case <-time.After(d.enqueueWait):
		log.Printf("Failed to queue reply to %s: queue full", target)
	}
}

// Stop sends everything already queued and waits for the workers.
func (d *NotificationDispatcher) Stop() {
	d.stopOnce.Do(func() {
		log.Println("Stopping notification dispatcher...")
		close(d.stopChan)
		d.wg.Wait()
		log.Println("Notification dispatcher stopped")
	})
}
