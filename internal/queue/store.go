package queue

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// messageRow backs the queue with a database table so delayed delivery
// survives restarts. available_at implements the delay classes.
type messageRow struct {
	ID          int64             `gorm:"primaryKey;autoIncrement:false"`
	Attributes  datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	AvailableAt time.Time         `gorm:"not null;index"`
	Attempts    int               `gorm:"not null;default:0"`
	ConsumedAt  *time.Time
	Dead        bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "queue_messages" }

// Store is the gorm-backed Queue implementation.
type Store struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func NewStore(db *gorm.DB, genID *snowflake.Node, clk clock.Clock) *Store {
	return &Store{db: db, genID: genID, clock: clk}
}

func (s *Store) Send(ctx context.Context, msg Message) error {
	id := msg.ID
	if id == 0 {
		id = s.genID.Generate().Int64()
	}

	attrs := make(datatypes.JSONMap, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}

	now := s.clock.Now()
	row := messageRow{
		ID:          id,
		Attributes:  attrs,
		AvailableAt: now.Add(msg.Delay),
		CreatedAt:   now,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// Receive claims up to limit visible messages. A claimed message stays
// invisible until Ack or Nack; the attempts counter increments on claim so a
// crashed consumer eventually dead-letters poison messages.
func (s *Store) Receive(ctx context.Context, limit int) ([]Message, error) {
	now := s.clock.Now()

	var rows []messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("consumed_at IS NULL AND dead = ? AND available_at <= ?", false, now).
			Order("available_at asc, id asc").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}

		claimed := rows[:0]
		for _, row := range rows {
			res := tx.Model(&messageRow{}).
				Where("id = ? AND consumed_at IS NULL AND available_at <= ?", row.ID, now).
				Updates(map[string]interface{}{
					"attempts":     gorm.Expr("attempts + 1"),
					"available_at": now.Add(claimTimeout),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				row.Attempts++
				claimed = append(claimed, row)
			}
		}
		rows = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, Message{
			ID:         row.ID,
			Attributes: stringAttributes(row.Attributes),
			Attempts:   row.Attempts,
		})
	}
	return msgs, nil
}

// Ack marks a message consumed.
func (s *Store) Ack(ctx context.Context, id int64) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Model(&messageRow{}).
		Where("id = ?", id).
		Update("consumed_at", now).Error
}

// Nack returns a message to the queue after delay, or dead-letters it once
// the delivery cap is reached.
func (s *Store) Nack(ctx context.Context, id int64, delay time.Duration) error {
	var row messageRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return err
	}
	if row.Attempts >= maxDeliveries {
		return s.db.WithContext(ctx).Model(&messageRow{}).
			Where("id = ?", id).
			Update("dead", true).Error
	}
	return s.db.WithContext(ctx).Model(&messageRow{}).
		Where("id = ?", id).
		Update("available_at", s.clock.Now().Add(delay)).Error
}

const (
	claimTimeout  = 5 * time.Minute
	maxDeliveries = 5
)

func stringAttributes(attrs datatypes.JSONMap) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
