package broker

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Redrive moves up to limit messages from the dead-letter receiver back to target. Each message
// is acknowledged on the source only after it was sent, so a failure leaves it in place.
// Nothing calls Redrive automatically; it is an operator action.
func Redrive(ctx context.Context, from Receiver, to Sender, limit int) (int, error) {
	moved := 0
	for moved < limit {
		batch := min(limit-moved, 10)
		deliveries, err := from.Receive(ctx, batch, 0)
		if err != nil {
			return moved, fmt.Errorf("receive from dead-letter queue: %w", err)
		}
		if len(deliveries) == 0 {
			return moved, nil
		}
		for i, d := range deliveries {
			m := d.Message()
			if err := to.Send(ctx, Message{ID: m.ID, Body: m.Body, Attributes: redriven(m.Attributes)}); err != nil {
				releaseAll(ctx, deliveries[i:])
				return moved, fmt.Errorf("send redriven message: %w", err)
			}
			if err := d.Ack(ctx); err != nil {
				releaseAll(ctx, deliveries[i+1:])
				return moved, fmt.Errorf("ack dead-lettered message: %w", err)
			}
			moved++
		}
	}
	return moved, nil
}

func releaseAll(ctx context.Context, ds []Delivery) {
	for _, d := range ds {
		_ = d.Release(ctx, time.Duration(0))
	}
}

func redriven(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	maps.Copy(out, attrs)
	out["redriven"] = "true"
	return out
}
