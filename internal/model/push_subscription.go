package model

// PushSubscription holds a VAPID web-push endpoint belonging to an
// operator's dashboard/mobile client, adapted from the teacher's
// machine-availability push subscriptions to the event bus's topic model:
// a subscription names the bus topics it wants pushed, rather than a set
// of machine IDs.
type PushSubscription struct {
	Endpoint  string `gorm:"primaryKey"`
	P256DH    string `gorm:"column:p256dh;not null"`
	Auth      string `gorm:"not null"`
	Topics    string `gorm:"type:text"` // comma-separated topic names
	CreatedAt int64  `gorm:"not null"`
}
