package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTopic is given to rooms created without a topic.
const DefaultTopic = "/topic <string>"

// RoomState is the result of LoadOrCreate.
type RoomState struct {
	Room    string
	Owner   string
	Topic   string
	Created bool
}

// Rooms is the room registry.
type Rooms struct {
	db *gorm.DB
}

// LoadOrCreate returns the stored room, creating it with owner and topic
// if it does not exist yet. A nil topic creates the room with DefaultTopic;
// an empty one is stored as given. An existing room is never modified.
func (r *Rooms) LoadOrCreate(ctx context.Context, name, owner string, topic *string) (RoomState, error) {
	return r.loadOrCreate(ctx, name, owner, topicOrDefault(topic))
}

func topicOrDefault(topic *string) string {
	if topic == nil {
		return DefaultTopic
	}
	return *topic
}

func (r *Rooms) loadOrCreate(ctx context.Context, name, owner, topic string) (RoomState, error) {

	room := Room{Name: name, Owner: owner, Topic: topic}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&room)
	if result.Error != nil {
		return RoomState{}, unavailable("create room", result.Error)
	}
	if result.RowsAffected == 1 {
		return RoomState{Room: name, Owner: owner, Topic: topic, Created: true}, nil
	}

	var existing Room
	if err := r.db.WithContext(ctx).Where("name = ?", name).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Cleared between the insert and the read; treat as a fresh load.
			return r.loadOrCreate(ctx, name, owner, topic)
		}
		return RoomState{}, unavailable("load room", err)
	}
	return RoomState{Room: existing.Name, Owner: existing.Owner, Topic: existing.Topic}, nil
}

// SetTopic replaces the topic of a room. It returns ErrNotFound when the
// room does not exist.
func (r *Rooms) SetTopic(ctx context.Context, name, topic string) error {
	result := r.db.WithContext(ctx).Model(&Room{}).Where("name = ?", name).Update("topic", topic)
	if result.Error != nil {
		return unavailable("set topic", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear deletes a room. The next LoadOrCreate for the same name creates it again.
func (r *Rooms) Clear(ctx context.Context, name string) error {
	if err := r.db.WithContext(ctx).Where("name = ?", name).Delete(&Room{}).Error; err != nil {
		return unavailable("clear room", err)
	}
	return nil
}
