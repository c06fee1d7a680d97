package kvsession

import (
	"time"

	"github.com/pkg/errors"

	"github.com/haiyiyun/kvsession/marshal"
	"github.com/haiyiyun/kvsession/store"
)

// recordAdapter 快照与存储记录之间的转换
type recordAdapter struct {
	marshaller *marshal.Marshaller
}

// bins 生成一次保存需要写入的字段.
// 首次保存写入 ID、创建时间和最大不活动间隔; 每次保存写入最后访问时间和过期时间
// (永不过期时删除过期时间字段); 属性只在脏时重新编码写入.
func (a recordAdapter) bins(snap *Snapshot, firstSave bool) []store.Bin {
	bins := make([]store.Bin, 0, 6)
	if firstSave {
		bins = append(bins,
			store.StringBin(store.FieldSessionID, snap.ID()),
			store.Int64Bin(store.FieldCreated, snap.CreationTime().UnixMilli()),
		)
	}
	if firstSave || snap.intervalChanged {
		bins = append(bins, store.Int64Bin(store.FieldMaxInactive, int64(snap.MaxInactiveInterval()/time.Second)))
	}

	bins = append(bins, store.Int64Bin(store.FieldLastAccessed, snap.LastAccessedTime().UnixMilli()))
	if exp, ok := snap.ExpirationTime(); ok {
		bins = append(bins, store.Int64Bin(store.FieldExpired, exp.UnixMilli()))
	} else if !firstSave {
		bins = append(bins, store.NullBin(store.FieldExpired))
	}

	if snap.Dirty() {
		bins = append(bins, store.BytesBin(store.FieldAttributes, a.marshaller.Marshal(snap.attributes)))
	}
	return bins
}

// session 从记录恢复会话, 属性解码失败时得到部分或空属性表
func (a recordAdapter) session(rec *store.Record) (*SessionData, error) {
	id, ok := rec.String(store.FieldSessionID)
	if !ok || id == "" {
		return nil, errors.Errorf("record %s has no session id", rec.Key)
	}
	created, _ := rec.Int64(store.FieldCreated)
	lastAccessed, _ := rec.Int64(store.FieldLastAccessed)
	maxInactive, _ := rec.Int64(store.FieldMaxInactive)

	var attributes map[string]interface{}
	if blob, ok := rec.Bytes(store.FieldAttributes); ok {
		attributes = a.marshaller.Unmarshal(blob)
	} else {
		attributes = make(map[string]interface{})
	}

	return &SessionData{
		id:                  id,
		creationTime:        time.UnixMilli(created),
		lastAccessedTime:    time.UnixMilli(lastAccessed),
		maxInactiveInterval: time.Duration(maxInactive) * time.Second,
		attributes:          attributes,
	}, nil
}
