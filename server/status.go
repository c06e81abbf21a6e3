package server

import (
	"context"
	"fmt"
)

// PublishStatus stores msg for the next view. Call it before navigating.
func PublishStatus(ctx context.Context, tab *Bucket, msg StatusMessage) error {
	raw, err := msg.encode()
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	if err := tab.Set(ctx, KeyStatusMessage, raw); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// TakeStatus returns the pending message and clears it in one step, so a
// message is shown at most once.
func TakeStatus(ctx context.Context, tab *Bucket) (StatusMessage, bool, error) {
	raw, ok, err := tab.Take(ctx, KeyStatusMessage)
	if err != nil {
		return StatusMessage{}, false, fmt.Errorf("take status: %w", err)
	}
	if !ok {
		return StatusMessage{}, false, nil
	}
	msg, err := decodeStatus(raw)
	if err != nil {
		return StatusMessage{}, false, fmt.Errorf("decode status: %w", err)
	}
	return msg, true, nil
}
