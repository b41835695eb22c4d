package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tomonet/server/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueDepth = 1024
	batchSize  = 100
	flushEvery = 2 * time.Second
)

// Entry holds one audit event to be logged.
type Entry struct {
	TraceID    string
	UserID     *int64
	Action     string
	Request    interface{}
	Response   interface{}
	Error      string
	IP         string
	DurationMs int
}

func (e Entry) row() *model.AuditLog {
	reqJSON, _ := json.Marshal(e.Request)
	respJSON, _ := json.Marshal(e.Response)
	return &model.AuditLog{
		TraceID:    e.TraceID,
		UserID:     e.UserID,
		Action:     e.Action,
		Request:    datatypes.JSON(reqJSON),
		Response:   datatypes.JSON(respJSON),
		Error:      e.Error,
		IP:         e.IP,
		DurationMs: e.DurationMs,
	}
}

// Service writes audit rows asynchronously so request handlers never wait
// on the audit table. Rows are batched and flushed on size or timer.
type Service struct {
	db     *gorm.DB
	queue  chan *model.AuditLog
	quit   chan struct{}
	done   sync.WaitGroup
	logger *zap.Logger
}

// New creates the audit Service and starts its flush worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		queue:  make(chan *model.AuditLog, queueDepth),
		quit:   make(chan struct{}),
		logger: logger,
	}
	svc.done.Add(1)
	go svc.flushLoop()
	return svc
}

// Log enqueues an entry. When the queue is full the entry is dropped;
// audit writes must never block the request path.
func (svc *Service) Log(entry Entry) {
	select {
	case svc.queue <- entry.row():
	default:
		svc.logger.Warn("audit queue full, dropping entry",
			zap.String("action", entry.Action))
	}
}

// Stop drains the queue, flushes, and waits for the worker to exit.
// Safe to call more than once.
func (svc *Service) Stop(_ context.Context) {
	select {
	case <-svc.quit:
	default:
		close(svc.quit)
	}
	svc.done.Wait()
}

func (svc *Service) flushLoop() {
	defer svc.done.Done()

	var batch []*model.AuditLog
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed",
				zap.Int("rows", len(batch)), zap.Error(err))
		}
		batch = nil
	}

	timer := time.NewTicker(flushEvery)
	defer timer.Stop()

	for {
		select {
		case row := <-svc.queue:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}
		case <-timer.C:
			flush()
		case <-svc.quit:
			for {
				select {
				case row := <-svc.queue:
					batch = append(batch, row)
				default:
					flush()
					return
				}
			}
		}
	}
}
