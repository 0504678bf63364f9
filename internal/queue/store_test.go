package queue

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chargeflow/internal/clock"
	"github.com/smallbiznis/chargeflow/pkg/db"
)

func setupStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()

	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := conn.AutoMigrate(&messageRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewStore(conn, node, clk), clk
}

func TestDelayedMessageInvisibleUntilDue(t *testing.T) {
	store, clk := setupStore(t)
	ctx := context.Background()

	err := store.Send(ctx, Message{Attributes: map[string]string{"queue_id": "1"}, Delay: time.Minute})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected delayed message to be invisible, got %d", len(msgs))
	}

	clk.Advance(time.Minute)
	msgs, err = store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive after delay: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 visible message, got %d", len(msgs))
	}
	if msgs[0].Attributes["queue_id"] != "1" {
		t.Fatalf("attributes lost: %+v", msgs[0].Attributes)
	}
}

func TestClaimedMessageNotRedelivered(t *testing.T) {
	store, clk := setupStore(t)
	ctx := context.Background()

	if err := store.Send(ctx, Message{Attributes: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	first, err := store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}

	// The claim holds the message until the claim timeout passes.
	second, err := store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("claimed message redelivered: %d", len(second))
	}

	clk.Advance(claimTimeout + time.Second)
	third, err := store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("third receive: %v", err)
	}
	if len(third) != 1 || third[0].Attempts != 2 {
		t.Fatalf("expected expired claim to redeliver with attempts=2, got %+v", third)
	}
}

func TestAckConsumesMessage(t *testing.T) {
	store, clk := setupStore(t)
	ctx := context.Background()

	if err := store.Send(ctx, Message{Attributes: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs, err := store.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive: %v (%d messages)", err, len(msgs))
	}
	if err := store.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	clk.Advance(claimTimeout * 2)
	msgs, err = store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("acked message redelivered: %d", len(msgs))
	}
}

func TestNackDelaysThenDeadLetters(t *testing.T) {
	store, clk := setupStore(t)
	ctx := context.Background()

	if err := store.Send(ctx, Message{Attributes: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var id int64
	for attempt := 1; attempt <= maxDeliveries; attempt++ {
		msgs, err := store.Receive(ctx, 10)
		if err != nil || len(msgs) != 1 {
			t.Fatalf("attempt %d receive: %v (%d messages)", attempt, err, len(msgs))
		}
		id = msgs[0].ID
		if err := store.Nack(ctx, id, time.Second); err != nil {
			t.Fatalf("attempt %d nack: %v", attempt, err)
		}
		clk.Advance(2 * time.Second)
	}

	// The final nack hit the delivery cap and dead-lettered the message.
	clk.Advance(claimTimeout * 2)
	msgs, err := store.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("dead-lettered message redelivered: %+v", msgs)
	}
}
