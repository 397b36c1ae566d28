package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrRateLimit       = "E_RATE_LIMIT"
	ErrBusy            = "E_BUSY"
	ErrForbidden       = "E_FORBIDDEN"

	// Registry rules.
	ErrBadRequest          = "E_BAD_REQUEST"
	ErrOutOfBounds         = "E_OUT_OF_BOUNDS"
	ErrAssetAlreadyOwned   = "E_ASSET_ALREADY_OWNED"
	ErrAssetNotOwned       = "E_ASSET_NOT_OWNED"
	ErrNotOwner            = "E_NOT_OWNER"
	ErrInsufficientPayment = "E_INSUFFICIENT_PAYMENT"
	ErrInsufficientBalance = "E_INSUFFICIENT_BALANCE"
	ErrInvalidTimestamp    = "E_INVALID_TIMESTAMP"
	ErrInvalidPrice        = "E_INVALID_PRICE"
	ErrSupplyOverflow      = "E_SUPPLY_OVERFLOW"
	ErrAuctionNotEligible  = "E_AUCTION_NOT_ELIGIBLE"
	ErrAuctionInProgress   = "E_AUCTION_IN_PROGRESS"
	ErrAuctionClosed       = "E_AUCTION_CLOSED"
	ErrAuctionStillOpen    = "E_AUCTION_STILL_OPEN"
	ErrNoActiveAuction     = "E_NO_ACTIVE_AUCTION"
	ErrBidTooLow           = "E_BID_TOO_LOW"
	ErrInternal            = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:     {},
	ErrRateLimit:           {},
	ErrBusy:                {},
	ErrForbidden:           {},
	ErrBadRequest:          {},
	ErrOutOfBounds:         {},
	ErrAssetAlreadyOwned:   {},
	ErrAssetNotOwned:       {},
	ErrNotOwner:            {},
	ErrInsufficientPayment: {},
	ErrInsufficientBalance: {},
	ErrInvalidTimestamp:    {},
	ErrInvalidPrice:        {},
	ErrSupplyOverflow:      {},
	ErrAuctionNotEligible:  {},
	ErrAuctionInProgress:   {},
	ErrAuctionClosed:       {},
	ErrAuctionStillOpen:    {},
	ErrNoActiveAuction:     {},
	ErrBidTooLow:           {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
