package store

import (
	"context"
	"slices"

	"gorm.io/gorm"
)

// DefaultHistoryLimit is how many recent messages Recent returns.
const DefaultHistoryLimit = 150

// History is the append-only message log of every room.
type History struct {
	db    *gorm.DB
	limit int
}

// Limit returns the history window size.
func (h *History) Limit() int { return h.limit }

// Append stores msgs in one batch, preserving their order.
func (h *History) Append(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := make([]Message, len(msgs))
	for i, m := range msgs {
		m.ID = 0
		batch[i] = m
	}
	if err := h.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return unavailable("append messages", err)
	}
	return nil
}

// Recent returns the last Limit messages of room, oldest first. Every call
// reads a fresh snapshot.
func (h *History) Recent(ctx context.Context, room string) ([]Message, error) {
	var msgs []Message
	err := h.db.WithContext(ctx).
		Where("room = ?", room).
		Order("id DESC").
		Limit(h.limit).
		Find(&msgs).Error
	if err != nil {
		return nil, unavailable("read history", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Clear deletes every message of room.
func (h *History) Clear(ctx context.Context, room string) error {
	if err := h.db.WithContext(ctx).Where("room = ?", room).Delete(&Message{}).Error; err != nil {
		return unavailable("clear history", err)
	}
	return nil
}
