package smtp

// Reply codes the delivery engine produces or interprets. Replies from remote
// servers are passed on as-is, these are for outcomes generated locally.
var (
	C250Completed         = 250
	C421ServiceUnavail    = 421
	C450MailboxUnavail    = 450
	C451LocalErr          = 451
	C550MailboxUnavail    = 550
	C554TransactionFailed = 554
	C556DomainNoMail      = 556
)

// Short enhanced status codes, without the leading class digit and first dot,
// as used in DSNs. E.g. "4.7" becomes "4.4.7" for a temporary failure.
//
// See RFC 3463 and the IANA registry for smtp enhanced status codes.
var (
	SeOther00 = "0.0"

	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1UnknownSystem2      = "1.2"
	SeAddr1NullMX              = "1.10"

	SeSys3Other0         = "3.0"
	SeSys3Misconfigured5 = "3.5"

	SeNet4Other0           = "4.0"
	SeNet4NoAnswer1        = "4.1"
	SeNet4BadConn2         = "4.2"
	SeNet4Name3            = "4.3"
	SeNet4Routing4         = "4.4"
	SeNet4Congestion5      = "4.5"
	SeNet4DeliveryExpired7 = "4.7"

	SeProto5Other0 = "5.0"

	SePol7Other0         = "7.0"
	SePol7CryptoFailure5 = "7.5"
	SePol7EncNeeded10    = "7.10"
)

// Permanent returns whether reply code is a permanent failure (5xx).
func Permanent(code int) bool {
	return code >= 500 && code < 600
}
