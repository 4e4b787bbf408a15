package events

// Charge lifecycle topics.
const (
	TopicChargeCreated  = "charge.created"
	TopicChargePaid     = "charge.paid"
	TopicChargeCanceled = "charge.canceled"
	TopicChargeExpired  = "charge.expired"
)

// DefaultTopics returns every topic the service emits.
func DefaultTopics() []string {
	return []string{
		TopicChargeCreated,
		TopicChargePaid,
		TopicChargeCanceled,
		TopicChargeExpired,
	}
}
