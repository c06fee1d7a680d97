package kvsession

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/haiyiyun/kvsession/store"
)

var (
	sweepsOK      = metrics.GetOrCreateCounter(`kvsession_sweeps_total{result="ok"}`)
	sweepsError   = metrics.GetOrCreateCounter(`kvsession_sweeps_total{result="error"}`)
	sessionsSwept = metrics.GetOrCreateCounter("kvsession_sessions_swept_total")
	sweepSeconds  = metrics.GetOrCreateHistogram("kvsession_sweep_duration_seconds")
)

// CleanExpiredSessions 查询过期时间落在 [0, now] 内的会话并逐个走删除流程.
// 没有过期时间字段的会话 (永不过期) 不在索引中, 因此不会被清理.
func (m *sessionManager) CleanExpiredSessions(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	defer sweepSeconds.UpdateDuration(start)

	now := m.now().UnixMilli()
	ids, err := m.store.FetchRange(ctx, store.FieldSessionID, store.FieldExpired, 0, now)
	if err != nil {
		sweepsError.Inc()
		return 0, errors.Wrap(err, "query expired sessions")
	}

	var result *multierror.Error
	deleted := 0
	for _, id := range ids {
		if err := m.onDelete(ctx, id); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		deleted++
	}
	sessionsSwept.Add(deleted)

	if err := result.ErrorOrNil(); err != nil {
		sweepsError.Inc()
		plog.Warningf("sweep deleted %d of %d expired sessions: %v", deleted, len(ids), err)
		return deleted, err
	}
	sweepsOK.Inc()
	if deleted > 0 {
		plog.Infof("sweep deleted %d expired sessions", deleted)
	} else {
		plog.Debugf("sweep found no expired sessions")
	}
	return deleted, nil
}

// onDelete 删除流程: 先删除记录, 成功后发布删除事件
func (m *sessionManager) onDelete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		plog.Errorf("unable to delete session %s: %v", id, err)
		return errors.Wrapf(err, "delete session %s", id)
	}
	m.publishDeleted(ctx, id)
	return nil
}

// publishDeleted 发布删除事件, 接收方的错误和 panic 只记录日志
func (m *sessionManager) publishDeleted(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			plog.Errorf("event publisher panicked for session %s: %v", id, fmt.Sprint(r))
		}
	}()
	if err := m.publisher.PublishSessionDeleted(ctx, SessionDeletedEvent{ID: id}); err != nil {
		plog.Errorf("unable to publish deletion of session %s: %v", id, err)
	}
}
