package domain

import "time"

// Notification template keys published after committed payment mutations.
const (
	TemplatePaymentReceipt       = "payment_receipt"
	TemplateRefundNotice         = "refund_notice"
	TemplateRegistrationReserved = "registration_reserved"
)

// NotificationEvent is the fire-and-forget payload handed to the notification
// collaborator. Delivery failure never affects the transaction that queued it.
type NotificationEvent struct {
	TemplateKey    string                 `json:"template_key"`
	RecipientEmail string                 `json:"recipient_email"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}
