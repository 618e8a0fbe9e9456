package redisx

import "time"

const (
	// Guest cart: cart:guest:{session_id} -> JSON array of lines
	KeyGuestCart = "cart:guest:%s"

	// Login merge guard: cart:merge:{session_id}:{shopper_id}
	KeyMergeGuard = "cart:merge:%s:%s"

	// Confirmation status per draft: order_status:{draft_id} -> {"status": "...", ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLMergeGuard  = 10 * time.Minute
	TTLStatusCache = 30 * time.Minute
	TTLDedup       = 48 * time.Hour
)
