package market

import (
	"coursemarket/core/events"
	"coursemarket/core/types"
)

const (
	// EventTypeCourseCreated is emitted when an instructor registers a course.
	EventTypeCourseCreated = "market.course.created"
	// EventTypeCoursePublished is emitted when a course becomes purchasable.
	EventTypeCoursePublished = "market.course.published"
	// EventTypeCourseRetired is emitted when a course is soft-deleted.
	EventTypeCourseRetired = "market.course.retired"
	// EventTypePurchaseCompleted is emitted after a purchase settles.
	EventTypePurchaseCompleted = "market.purchase.completed"
	// EventTypeReferralReward is emitted when a referrer is paid on a sale.
	EventTypeReferralReward = "market.referral.reward"
	// EventTypeRefundRequested is emitted when a buyer files a refund request.
	EventTypeRefundRequested = "market.refund.requested"
	// EventTypeRefundProcessed is emitted when a refund decision is recorded.
	EventTypeRefundProcessed = "market.refund.processed"
	// EventTypeWithdrawalCompleted is emitted when a seller drains pending
	// earnings.
	EventTypeWithdrawalCompleted = "market.withdrawal.completed"
	// EventTypeEarningsUpdated is emitted whenever a seller ledger changes.
	EventTypeEarningsUpdated = "market.earnings.updated"
	// EventTypeFeeConfigUpdated is emitted when the platform replaces the
	// fee split.
	EventTypeFeeConfigUpdated = "market.fees.updated"
	// EventTypePauseChanged is emitted when the operator toggles the
	// emergency pause.
	EventTypePauseChanged = "market.pause.changed"
)

type eventEnvelope struct {
	evt *types.Event
}

func (e eventEnvelope) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e eventEnvelope) Event() *types.Event { return e.evt }

// WrapEvent converts a raw event payload into the emitter-friendly envelope.
func WrapEvent(evt *types.Event) events.Event { return eventEnvelope{evt: evt} }

func courseCreatedEvent(c *Course) *types.Event {
	return &types.Event{
		Type: EventTypeCourseCreated,
		Attributes: map[string]string{
			"courseId": formatID(c.ID),
			"owner":    hexAddr(c.Owner),
			"price":    c.Price.String(),
		},
	}
}

func coursePublishedEvent(c *Course, published bool) *types.Event {
	return &types.Event{
		Type: EventTypeCoursePublished,
		Attributes: map[string]string{
			"courseId":  formatID(c.ID),
			"owner":     hexAddr(c.Owner),
			"published": formatBool(published),
		},
	}
}

func courseRetiredEvent(c *Course) *types.Event {
	return &types.Event{
		Type: EventTypeCourseRetired,
		Attributes: map[string]string{
			"courseId": formatID(c.ID),
			"owner":    hexAddr(c.Owner),
		},
	}
}

func purchaseCompletedEvent(rec *PurchaseRecord, seller [20]byte) *types.Event {
	return &types.Event{
		Type: EventTypePurchaseCompleted,
		Attributes: map[string]string{
			"courseId": formatID(rec.CourseID),
			"buyer":    hexAddr(rec.Buyer),
			"seller":   hexAddr(seller),
			"price":    rec.PricePaid.String(),
			"receipt":  hexReceipt(rec.Receipt),
		},
	}
}

func referralRewardEvent(rec *PurchaseRecord) *types.Event {
	return &types.Event{
		Type: EventTypeReferralReward,
		Attributes: map[string]string{
			"courseId": formatID(rec.CourseID),
			"buyer":    hexAddr(rec.Buyer),
			"referrer": hexAddr(rec.Referrer),
			"amount":   rec.ReferrerShare.String(),
		},
	}
}

func refundRequestedEvent(req *RefundRequest) *types.Event {
	return &types.Event{
		Type: EventTypeRefundRequested,
		Attributes: map[string]string{
			"requestId": formatID(req.ID),
			"courseId":  formatID(req.CourseID),
			"buyer":     hexAddr(req.Buyer),
			"amount":    req.Amount.String(),
		},
	}
}

func refundProcessedEvent(req *RefundRequest) *types.Event {
	return &types.Event{
		Type: EventTypeRefundProcessed,
		Attributes: map[string]string{
			"requestId": formatID(req.ID),
			"courseId":  formatID(req.CourseID),
			"buyer":     hexAddr(req.Buyer),
			"amount":    req.Amount.String(),
			"approved":  formatBool(req.Approved),
		},
	}
}

func withdrawalCompletedEvent(seller [20]byte, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeWithdrawalCompleted,
		Attributes: map[string]string{
			"seller": hexAddr(seller),
			"amount": amount,
		},
	}
}

func earningsUpdatedEvent(acct *EarningsAccount) *types.Event {
	return &types.Event{
		Type: EventTypeEarningsUpdated,
		Attributes: map[string]string{
			"seller":      hexAddr(acct.Seller),
			"totalEarned": acct.TotalEarned.String(),
			"withdrawn":   acct.Withdrawn.String(),
			"pending":     acct.Pending.String(),
		},
	}
}

func feeConfigUpdatedEvent(seller, platform, referrer uint32) *types.Event {
	return &types.Event{
		Type: EventTypeFeeConfigUpdated,
		Attributes: map[string]string{
			"sellerRate":   formatRate(seller),
			"platformRate": formatRate(platform),
			"referrerRate": formatRate(referrer),
		},
	}
}

func pauseChangedEvent(paused bool) *types.Event {
	return &types.Event{
		Type: EventTypePauseChanged,
		Attributes: map[string]string{
			"module": moduleName,
			"paused": formatBool(paused),
		},
	}
}
