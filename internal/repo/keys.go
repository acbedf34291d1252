// Keyspace layout. Every key the engine touches is built here so the whole
// store footprint is visible in one place. The "ob:" prefix keeps the
// engine's keys apart from anything else sharing the instance.
package repo

import "strconv"

const (
	// KeyUpdates is the durable inbound-event FIFO.
	KeyUpdates = "ob:updates"
	// KeyFollowupDue is the due-time index: score = unix fire-time,
	// member = subject id.
	KeyFollowupDue = "ob:followup:due"
	// KeyPayPending is the set of subjects with an open checkout.
	KeyPayPending = "ob:pay:pending"
	// KeyPayIdentifierMap maps any externally issued transaction or session
	// identifier back to the owning subject.
	KeyPayIdentifierMap = "ob:pay:identifier_map"
	// KeyRetryOrders is the outbound-notification retry FIFO.
	KeyRetryOrders = "ob:retry:orders"
	// KeyAccessKeys maps issued access keys back to subjects.
	KeyAccessKeys = "ob:access:keys"
	// KeyBlocked is the set of subjects that blocked the channel.
	KeyBlocked = "ob:user:blocked"

	// Funnel reporting keys.
	KeyFunnelEvents   = "ob:funnel:events"
	KeyFunnelCounters = "ob:funnel:counters"
	funnelDayPrefix   = "ob:funnel:day:"
)

func subjectKey(id int64) string    { return "ob:user:" + strconv.FormatInt(id, 10) }
func paymentKey(id int64) string    { return "ob:pay:" + strconv.FormatInt(id, 10) }
func paymentErrKey(id int64) string { return "ob:pay:err:" + strconv.FormatInt(id, 10) }
func deliveryKey(id int64) string   { return "ob:access:delivery:" + strconv.FormatInt(id, 10) }
func startSeenKey(id int64) string  { return "ob:start:seen:" + strconv.FormatInt(id, 10) }
func utmTokenKey(tok string) string { return "ob:utm:token:" + tok }
func utmKey(id int64) string        { return "ob:utm:" + strconv.FormatInt(id, 10) }
func funnelDayKey(day string) string { return funnelDayPrefix + day }
