package worker

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/queue"
)

// SettingsSource resolves the effective settings of a queue.
type SettingsSource interface {
	Settings(queue domain.QueueName) queue.Settings
}

// Processor runs one queue.Worker per bound queue until the context ends.
type Processor struct {
	store    queue.Store
	settings SettingsSource
	handlers map[domain.QueueName]queue.Handler
	logger   *log.Logger
}

func NewProcessor(
	store queue.Store,
	settings SettingsSource,
	logger *log.Logger,
) *Processor {
	return &Processor{
		store:    store,
		settings: settings,
		handlers: make(map[domain.QueueName]queue.Handler),
		logger:   logger,
	}
}

// Bind routes jobs of a queue to handler. Queues without a handler are left
// for other consumers.
func (p *Processor) Bind(name domain.QueueName, handler queue.Handler) {
	p.handlers[name] = handler
}

// Queues lists the bound queues in a stable order.
func (p *Processor) Queues() []domain.QueueName {
	names := make([]domain.QueueName, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (p *Processor) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range p.Queues() {
		worker := queue.NewWorker(p.store, queue.WorkerConfig{
			Queue:    name,
			Settings: p.settings.Settings(name),
			Handler:  p.handlers[name],
			Logger:   p.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.Run(ctx)
		}()
	}
	wg.Wait()
	if p.logger != nil {
		p.logger.Printf("processor stopped queues=%d", len(p.handlers))
	}
}
