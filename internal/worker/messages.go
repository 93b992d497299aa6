package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MessageType 是控制通道的命令类型。
type MessageType string

const (
	// MessageSkipWaiting 让等待中的版本立即激活。
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	// MessageClearCache 删除站点的全部 generation。
	MessageClearCache MessageType = "CLEAR_CACHE"
)

// Message 是宿主页面发往缓存层的控制消息。
type Message struct {
	Type MessageType `json:"type"`
}

// Reply 描述控制消息的执行结果。
type Reply struct {
	Type    MessageType `json:"type"`
	Applied bool        `json:"applied"`
	Active  string      `json:"active,omitempty"`
	Purged  []string    `json:"purged,omitempty"`
}

// ParseMessageType 接受大小写不敏感的命令名。
func ParseMessageType(raw string) (MessageType, error) {
	switch MessageType(strings.ToUpper(strings.TrimSpace(raw))) {
	case MessageSkipWaiting:
		return MessageSkipWaiting, nil
	case MessageClearCache:
		return MessageClearCache, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMessage, raw)
}

// HandleMessage 执行控制命令。SKIP_WAITING 在没有等待版本时为空操作（Applied=false）；
// CLEAR_CACHE 无条件删除全部 generation，不提供回滚。
func (r *Registration) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	kind, err := ParseMessageType(string(msg.Type))
	if err != nil {
		return Reply{Type: msg.Type}, err
	}
	reply := Reply{Type: kind}

	switch kind {
	case MessageSkipWaiting:
		err := r.SkipWaiting(ctx)
		switch {
		case errors.Is(err, ErrNoWaitingWorker):
		case err != nil:
			return reply, err
		default:
			reply.Applied = true
		}
	case MessageClearCache:
		purged, err := r.ClearCaches(ctx)
		reply.Purged = purged
		if err != nil {
			return reply, err
		}
		reply.Applied = true
	}

	if active := r.Active(); active != nil {
		reply.Active = active.Version()
	}
	return reply, nil
}
