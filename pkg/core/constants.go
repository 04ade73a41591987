package core

import "errors"

// Errors
var (
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrSequenceGap      = errors.New("sequence gap")
	ErrBookBroken       = errors.New("order book broken")
	ErrBookUnavailable  = errors.New("order book unavailable")
	ErrUnknownExchange  = errors.New("unknown exchange")
	ErrDuplicateOrderID = errors.New("duplicate client order id")
	ErrNonexistentOrder = errors.New("nonexistent order")
	ErrTerminalOrder    = errors.New("order already in terminal state")
)
